package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	schemaParameters      = "parameters"
	schemaParameterUpdate = "parameter_update"
	schemaAliases         = "aliases"
	schemaAliasUpdate     = "alias_update"
	schemaMeasurements    = "measurements"
	schemaFilteredList    = "filtered_list"
	schemaRateChart       = "rate_chart"
	schemaIncremental     = "incremental_chart"
	schemaSelection       = "selection"
	schemaClear           = "clear_selection"
	schemaServiceMode     = "service_mode"
	schemaMachineState    = "machine_state"
	schemaDevicesStatus   = "devices_status"
	schemaDeviceCount     = "device_count"
	schemaDeviceSearch    = "device_search"
	schemaReadings        = "dynamic_readings"
	schemaAck             = "ack"
)

const scalar = `{"type": ["string", "number", "boolean", "null"]}`

const measurementSchema = `{
  "type": "object",
  "required": ["currentTime"],
  "properties": {
    "currentTime": ` + scalar + `,
    "speed": ` + scalar + `,
    "rate": ` + scalar + `,
    "total": ` + scalar + `
  }
}`

const aliasesSchema = `{
  "type": "object",
  "properties": {
    "company": ` + scalar + `,
    "location": ` + scalar + `,
    "productName": ` + scalar + `,
    "scaleId": ` + scalar + `
  }
}`

const numberArray = `{"type": "array", "items": {"type": "number"}}`

var responseSchemas = map[string]string{
	schemaParameters: `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"type": "string"},
    "parameters": {
      "type": "object",
      "additionalProperties": {"type": "object", "required": ["value"]}
    }
  }
}`,
	schemaParameterUpdate: `{
  "type": "object",
  "required": ["status"],
  "properties": {"status": {"type": "string"}, "message": ` + scalar + `, "value": ` + scalar + `}
}`,
	schemaAliases: aliasesSchema,
	schemaAliasUpdate: `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"type": "string"},
    "old_value": ` + scalar + `,
    "new_value": ` + scalar + `,
    "field_address": {"type": ["integer", "null"]}
  }
}`,
	schemaMeasurements: `{"type": "array", "items": ` + measurementSchema + `}`,
	schemaFilteredList: `{
  "type": "object",
  "required": ["data"],
  "properties": {
    "data": {"type": "array", "items": ` + measurementSchema + `},
    "total_count": {"type": "integer"},
    "shown_count": {"type": "integer"}
  }
}`,
	schemaRateChart: `{
  "type": "object",
  "required": ["timestamps", "rate_values"],
  "properties": {
    "timestamps": {"type": "array", "items": {"type": "string"}},
    "rate_values": ` + numberArray + `,
    "speed_values": ` + numberArray + `,
    "max_rate": {"type": "number"},
    "avg_rate": {"type": "number"}
  }
}`,
	schemaIncremental: `{
  "type": "object",
  "required": ["timestamps", "incremental_values"],
  "properties": {
    "timestamps": {"type": "array", "items": {"type": "string"}},
    "incremental_values": ` + numberArray + `
  }
}`,
	schemaSelection: `{
  "type": "object",
  "properties": {
    "selected_device_id": {"type": ["string", "null"]},
    "device_exists": {"type": "boolean"},
    "device_info": {
      "type": ["object", "null"],
      "properties": {
        "alias": {"oneOf": [{"type": "null"}, ` + aliasesSchema + `]},
        "latest_measure": {"oneOf": [{"type": "null"}, ` + measurementSchema + `]},
        "measures_count": {"type": ["integer", "null"]}
      }
    }
  }
}`,
	schemaClear: `{
  "type": "object",
  "properties": {"status": {"type": "string"}, "previous_device_id": {"type": ["string", "null"]}}
}`,
	schemaServiceMode: `{
  "type": "object",
  "required": ["enabled"],
  "properties": {
    "enabled": {"type": "boolean"},
    "active": {"type": "boolean"},
    "status_message": {"type": ["string", "null"]}
  }
}`,
	schemaMachineState: `{
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": {"type": "boolean"},
    "data": {"type": "object"}
  }
}`,
	schemaDevicesStatus: `{
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": {"type": "boolean"},
    "devices": {"type": "array", "items": {"type": "object", "required": ["device_id"]}}
  }
}`,
	schemaDeviceCount: `{
  "type": "object",
  "required": ["count"],
  "properties": {"count": {"type": "integer", "minimum": 0}}
}`,
	schemaDeviceSearch: `{
  "type": "array",
  "items": {"type": "object", "required": ["device_id"], "properties": {"aliases": ` + aliasesSchema + `}}
}`,
	schemaReadings: `{
  "type": "object",
  "required": ["has_data"],
  "properties": {"has_data": {"type": "boolean"}}
}`,
	schemaAck: `{"type": ["object", "null"]}`,
}

type schemaRegistry struct {
	once    sync.Once
	initErr error
	schemas map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		schemas.schemas = make(map[string]*jsonschema.Schema, len(responseSchemas))
		for name, doc := range responseSchemas {
			compiled, err := jsonschema.CompileString(name+".json", doc)
			if err != nil {
				schemas.initErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			schemas.schemas[name] = compiled
		}
	})
	return schemas.initErr
}

// validateResponse checks raw against the named schema and returns the
// decoded generic document for further inspection.
func validateResponse(name string, raw []byte) (any, error) {
	var doc any
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if name == "" {
		return doc, nil
	}
	if err := initSchemas(); err != nil {
		return nil, err
	}
	schema, ok := schemas.schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown response schema %q", name)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("unexpected response shape: %w", err)
	}
	return doc, nil
}
