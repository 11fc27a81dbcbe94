package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/massensors/beltconsole/remote"
)

// ParameterFormat is the wire width of a device parameter.
type ParameterFormat string

const (
	// FormatOneByte holds a single digit 0-9.
	FormatOneByte ParameterFormat = "1B"
	// FormatEightBytes holds up to eight characters.
	FormatEightBytes ParameterFormat = "8B"
)

// ParameterSpec describes one addressable device parameter.
type ParameterSpec struct {
	Address int             `json:"address"`
	Name    string          `json:"name"`
	Format  ParameterFormat `json:"format"`
}

var parameterCatalog = []ParameterSpec{
	{1, "filterRate", FormatOneByte},
	{2, "scaleCapacity", FormatEightBytes},
	{3, "autoZero", FormatEightBytes},
	{4, "deadBand", FormatEightBytes},
	{5, "scaleType", FormatOneByte},
	{6, "loadcellSet", FormatOneByte},
	{7, "loadcellCapacity", FormatEightBytes},
	{8, "trimm", FormatEightBytes},
	{9, "idlerSpacing", FormatEightBytes},
	{10, "speedSource", FormatOneByte},
	{11, "wheelDiameter", FormatEightBytes},
	{12, "pulsesPerRev", FormatEightBytes},
	{13, "beltLength", FormatEightBytes},
	{14, "beltLengthPulses", FormatEightBytes},
}

// Parameters lists the parameter catalog in address order.
func Parameters() []ParameterSpec {
	out := make([]ParameterSpec, len(parameterCatalog))
	copy(out, parameterCatalog)
	return out
}

// LookupParameter finds a parameter by address.
func LookupParameter(address int) (ParameterSpec, bool) {
	for _, spec := range parameterCatalog {
		if spec.Address == address {
			return spec, true
		}
	}
	return ParameterSpec{}, false
}

// LookupParameterName finds a parameter by its case-insensitive name.
func LookupParameterName(name string) (ParameterSpec, bool) {
	for _, spec := range parameterCatalog {
		if strings.EqualFold(spec.Name, strings.TrimSpace(name)) {
			return spec, true
		}
	}
	return ParameterSpec{}, false
}

// ValidateParameter checks value against the parameter's wire format.
func ValidateParameter(address int, value string) error {
	spec, ok := LookupParameter(address)
	if !ok {
		return &remote.ValidationError{Field: "address", Message: fmt.Sprintf("unknown parameter address %d", address)}
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return &remote.ValidationError{Field: spec.Name, Message: "value is required"}
	}
	switch spec.Format {
	case FormatOneByte:
		if len(value) != 1 || value[0] < '0' || value[0] > '9' {
			return &remote.ValidationError{Field: spec.Name, Message: "expects a single digit 0-9"}
		}
	case FormatEightBytes:
		if len(value) > 8 {
			return &remote.ValidationError{Field: spec.Name, Message: "accepts at most 8 characters"}
		}
	}
	return nil
}

// Alias field addresses on the device.
var aliasAddresses = map[string]int{
	"company":     16,
	"location":    17,
	"productName": 18,
	"scaleId":     19,
}

// AliasFields lists the alias field names in address order.
func AliasFields() []string {
	fields := make([]string, 0, len(aliasAddresses))
	for name := range aliasAddresses {
		fields = append(fields, name)
	}
	sort.Slice(fields, func(i, j int) bool { return aliasAddresses[fields[i]] < aliasAddresses[fields[j]] })
	return fields
}

// AliasAddress resolves an alias field name, case-insensitively.
func AliasAddress(field string) (string, int, error) {
	for name, addr := range aliasAddresses {
		if strings.EqualFold(name, strings.TrimSpace(field)) {
			return name, addr, nil
		}
	}
	return "", 0, &remote.ValidationError{Field: "field", Message: fmt.Sprintf("unknown alias field %q", field)}
}

func aliasValue(a remote.Aliases, field string) string {
	switch field {
	case "company":
		return a.Company.String()
	case "location":
		return a.Location.String()
	case "productName":
		return a.ProductName.String()
	case "scaleId":
		return a.ScaleID.String()
	}
	return ""
}

func setAliasValue(a *remote.Aliases, field, value string) {
	switch field {
	case "company":
		a.Company = remote.Text(value)
	case "location":
		a.Location = remote.Text(value)
	case "productName":
		a.ProductName = remote.Text(value)
	case "scaleId":
		a.ScaleID = remote.Text(value)
	}
}
