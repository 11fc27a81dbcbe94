package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Text is a scalar field the backend sends either as a string or as a number.
// null decodes to the empty string.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	switch string(data) {
	case "true", "false":
		*t = Text(data)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("text value %s: %w", data, err)
	}
	*t = Text(n.String())
	return nil
}

func (t Text) String() string {
	return string(t)
}

// Float parses the value as a number.
func (t Text) Float() (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
}

// ParameterValue is one entry of a device parameter listing.
type ParameterValue struct {
	Name   string `json:"name"`
	Value  Text   `json:"value"`
	Format string `json:"format"`
}

// Parameters is returned by the parameter listing keyed by address.
type Parameters struct {
	Status     string                    `json:"status"`
	Message    string                    `json:"message,omitempty"`
	DeviceID   string                    `json:"device_id"`
	Parameters map[string]ParameterValue `json:"parameters"`
}

// ParameterUpdate acknowledges a parameter write.
type ParameterUpdate struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Value   Text   `json:"value"`
}

// Aliases are the human readable names of a device.
type Aliases struct {
	Company     Text `json:"company"`
	Location    Text `json:"location"`
	ProductName Text `json:"productName"`
	ScaleID     Text `json:"scaleId"`
}

// AliasUpdate acknowledges an alias field write.
type AliasUpdate struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	OldValue     Text   `json:"old_value"`
	NewValue     Text   `json:"new_value"`
	FieldAddress int    `json:"field_address"`
}

// Measurement is a single belt-scale sample. CurrentTime uses the layout
// "2006-01-02 15:04:05".
type Measurement struct {
	DeviceID    string `json:"deviceId,omitempty"`
	CurrentTime Text   `json:"currentTime"`
	Speed       Text   `json:"speed"`
	Rate        Text   `json:"rate"`
	Total       Text   `json:"total"`
}

// MeasurementTimeLayout is the layout of Measurement.CurrentTime.
const MeasurementTimeLayout = "2006-01-02 15:04:05"

// FilteredList is a period-filtered, sampled measurement listing.
type FilteredList struct {
	Data         []Measurement  `json:"data"`
	TotalCount   int            `json:"total_count"`
	ShownCount   int            `json:"shown_count"`
	SamplingInfo map[string]any `json:"sampling_info,omitempty"`
	PeriodInfo   map[string]any `json:"period_info,omitempty"`
	DeviceID     string         `json:"device_id"`
}

// RateChart carries the throughput chart series.
type RateChart struct {
	Timestamps  []string       `json:"timestamps"`
	RateValues  []float64      `json:"rate_values"`
	SpeedValues []float64      `json:"speed_values"`
	MaxRate     float64        `json:"max_rate"`
	AvgRate     float64        `json:"avg_rate"`
	PeriodInfo  map[string]any `json:"period_info,omitempty"`
}

// IncrementalChart carries the per-sample total increments.
type IncrementalChart struct {
	Timestamps        []string       `json:"timestamps"`
	IncrementalValues []float64      `json:"incremental_values"`
	PeriodInfo        map[string]any `json:"period_info,omitempty"`
}

// Report is a downloaded CSV report.
type Report struct {
	Filename    string
	ContentType string
	Content     []byte
}

// StaticParams is the static parameter snapshot attached to a selection.
type StaticParams struct {
	FilterRate       Text `json:"filterRate"`
	ScaleCapacity    Text `json:"scaleCapacity"`
	ScaleType        Text `json:"scaleType"`
	LoadcellCapacity Text `json:"loadcellCapacity"`
}

// DeviceInfo describes the selected device.
type DeviceInfo struct {
	Alias         *Aliases      `json:"alias,omitempty"`
	StaticParams  *StaticParams `json:"static_params,omitempty"`
	LatestMeasure *Measurement  `json:"latest_measure,omitempty"`
	MeasuresCount int           `json:"measures_count"`
}

// Selection is the backend's view of the selected device.
type Selection struct {
	Status           string      `json:"status,omitempty"`
	Message          string      `json:"message,omitempty"`
	SelectedDeviceID string      `json:"selected_device_id"`
	DeviceExists     bool        `json:"device_exists"`
	DeviceInfo       *DeviceInfo `json:"device_info,omitempty"`
}

// ClearResult acknowledges a cleared selection.
type ClearResult struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	PreviousDeviceID string `json:"previous_device_id"`
}

// ServiceModeStatus is the observed service mode state.
type ServiceModeStatus struct {
	Enabled        bool   `json:"enabled"`
	Active         bool   `json:"active"`
	StatusMessage  string `json:"status_message"`
	RequestMode    string `json:"request_mode,omitempty"`
	ConveyorStatus Text   `json:"conveyor_status,omitempty"`
	RequestValue   Text   `json:"request_value,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
}

// MachineStateData is the observation snapshot of the device state machine.
type MachineStateData struct {
	ObservedState       string          `json:"observed_state"`
	StateVariables      map[string]bool `json:"state_variables,omitempty"`
	NetworkObservations map[string]any  `json:"network_observations,omitempty"`
	Timestamp           string          `json:"timestamp"`
}

// MachineState wraps the state machine observation.
type MachineState struct {
	Success bool             `json:"success"`
	Data    MachineStateData `json:"data"`
	Error   string           `json:"error,omitempty"`
}

// DeviceSummary is a device with its aliases.
type DeviceSummary struct {
	DeviceID string  `json:"device_id"`
	Aliases  Aliases `json:"aliases"`
}

// DeviceStatus is a device list entry with its activity state.
type DeviceStatus struct {
	DeviceID     string  `json:"device_id"`
	Aliases      Aliases `json:"aliases"`
	IsActive     bool    `json:"is_active"`
	LastActivity Text    `json:"last_activity,omitempty"`
}

type devicesStatusResponse struct {
	Success bool           `json:"success"`
	Devices []DeviceStatus `json:"devices"`
	Error   string         `json:"error,omitempty"`
}

// DynamicReadings are the live readings streamed while dynamic mode is active.
type DynamicReadings struct {
	HasData     bool   `json:"has_data"`
	DeviceID    string `json:"device_id"`
	MVReading   string `json:"mv_reading"`
	ConvDigits  string `json:"conv_digits"`
	ScaleWeight string `json:"scale_weight"`
	BeltWeight  string `json:"belt_weight"`
	CurrentTime string `json:"current_time"`
}

// AliasQuery filters devices by partial alias matches. Empty fields are ignored.
type AliasQuery struct {
	Company     string
	Location    string
	ProductName string
	ScaleID     string
}

// Empty reports whether no filter is set.
func (q AliasQuery) Empty() bool {
	return q.Company == "" && q.Location == "" && q.ProductName == "" && q.ScaleID == ""
}

func (q AliasQuery) values() url.Values {
	values := url.Values{}
	add := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			values.Set(key, value)
		}
	}
	add("company", q.Company)
	add("location", q.Location)
	add("product_name", q.ProductName)
	add("scale_id", q.ScaleID)
	return values
}
