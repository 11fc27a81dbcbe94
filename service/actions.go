package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/massensors/beltconsole/period"
	"github.com/massensors/beltconsole/remote"
	"github.com/massensors/beltconsole/selection"
)

var errNoSelection = &remote.ValidationError{Field: "device_id", Message: "no device selected"}

// fail records the single activity entry of a failed action. Auth failures
// take precedence and mark the console as requiring login.
func (c *Console) fail(action string, err error) error {
	var valErr *remote.ValidationError
	switch {
	case remote.IsAuth(err):
		c.requireLogin()
		c.activity.Add(LevelError, action+": login required")
	case errors.As(err, &valErr):
		c.activity.Add(LevelWarning, action+": "+valErr.Message)
	default:
		c.activity.Add(LevelError, fmt.Sprintf("%s: %v", action, err))
	}
	c.logger.Debug().Err(err).Str("action", action).Msg("action failed")
	return err
}

func (c *Console) succeed(level Level, format string, args ...interface{}) {
	c.clearLoginRequired()
	c.activity.Add(level, fmt.Sprintf(format, args...))
}

// superseded records a selection call that lost to a newer one.
func (c *Console) superseded(action string) {
	current := c.selection.SelectedDeviceID()
	if current == "" {
		current = "none"
	}
	c.activity.Add(LevelWarning, fmt.Sprintf("%s: superseded by a newer request, selected device is %s", action, current))
}

func (c *Console) selectedDevice() (string, error) {
	id := c.selection.SelectedDeviceID()
	if id == "" {
		return "", errNoSelection
	}
	return id, nil
}

// usablePeriod returns the current period, rejecting incomplete or
// mis-ordered custom ranges before they reach the backend.
func (c *Console) usablePeriod() (period.Descriptor, error) {
	desc := c.period.Descriptor()
	if desc.Category == period.Custom && !desc.Valid() {
		if !desc.Complete() {
			return desc, &remote.ValidationError{Field: "period", Message: "select both start and end date"}
		}
		return desc, &remote.ValidationError{Field: "period", Message: "start date must not be after end date"}
	}
	return desc, nil
}

// SelectDevice makes id the working device.
func (c *Console) SelectDevice(ctx context.Context, id string) (*remote.Selection, error) {
	data, err := c.selection.SelectDevice(ctx, id)
	if errors.Is(err, selection.ErrSuperseded) {
		c.superseded(fmt.Sprintf("Select device %s", strings.TrimSpace(id)))
		return nil, err
	}
	if err != nil {
		return nil, c.fail("Select device", err)
	}
	c.succeed(LevelSuccess, "Selected device %s", strings.TrimSpace(id))
	return data, nil
}

// CurrentSelection loads the backend's selected device.
func (c *Console) CurrentSelection(ctx context.Context) (*remote.Selection, error) {
	data, err := c.selection.CurrentSelection(ctx)
	if err != nil {
		return nil, c.fail("Current selection", err)
	}
	if data.SelectedDeviceID == "" {
		c.succeed(LevelInfo, "No device selected")
	} else {
		c.succeed(LevelInfo, "Current device %s", data.SelectedDeviceID)
	}
	return data, nil
}

// ClearSelection deselects the working device.
func (c *Console) ClearSelection(ctx context.Context) (*remote.ClearResult, error) {
	res, err := c.selection.ClearSelection(ctx)
	if errors.Is(err, selection.ErrSuperseded) {
		c.superseded("Clear selection")
		return nil, err
	}
	if err != nil {
		return nil, c.fail("Clear selection", err)
	}
	c.succeed(LevelSuccess, "Device selection cleared")
	return res, nil
}

// LoadParameters reads the parameters of the selected device.
func (c *Console) LoadParameters(ctx context.Context) (*remote.Parameters, error) {
	id, err := c.selectedDevice()
	if err != nil {
		return nil, c.fail("Load parameters", err)
	}
	params, err := c.api.Parameters(ctx, id)
	if err != nil {
		return nil, c.fail("Load parameters", err)
	}
	c.mu.Lock()
	c.parameters = params
	c.mu.Unlock()
	c.succeed(LevelResponse, "Loaded %d parameters of device %s", len(params.Parameters), id)
	return params, nil
}

// CachedParameters returns the last loaded parameters, or nil.
func (c *Console) CachedParameters() *remote.Parameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.parameters == nil {
		return nil
	}
	cp := *c.parameters
	cp.Parameters = make(map[string]remote.ParameterValue, len(c.parameters.Parameters))
	for k, v := range c.parameters.Parameters {
		cp.Parameters[k] = v
	}
	return &cp
}

// UpdateParameter writes a parameter of the selected device. The cached value
// changes immediately and is restored if the write fails.
func (c *Console) UpdateParameter(ctx context.Context, address int, value string) (*remote.ParameterUpdate, error) {
	const action = "Update parameter"
	if err := ValidateParameter(address, value); err != nil {
		return nil, c.fail(action, err)
	}
	id, err := c.selectedDevice()
	if err != nil {
		return nil, c.fail(action, err)
	}
	spec, _ := LookupParameter(address)
	value = strings.TrimSpace(value)
	key := strconv.Itoa(address)

	c.mu.Lock()
	var previous remote.ParameterValue
	var hadPrevious bool
	if c.parameters != nil {
		if c.parameters.Parameters == nil {
			c.parameters.Parameters = make(map[string]remote.ParameterValue)
		}
		previous, hadPrevious = c.parameters.Parameters[key]
		c.parameters.Parameters[key] = remote.ParameterValue{Name: spec.Name, Value: remote.Text(value), Format: string(spec.Format)}
	}
	cached := c.parameters
	c.mu.Unlock()

	res, err := c.api.UpdateParameter(ctx, id, address, value)
	if err != nil {
		c.mu.Lock()
		if cached != nil && c.parameters == cached {
			if hadPrevious {
				c.parameters.Parameters[key] = previous
			} else {
				delete(c.parameters.Parameters, key)
			}
		}
		c.mu.Unlock()
		return nil, c.fail(action, err)
	}
	c.succeed(LevelSuccess, "Parameter %s set to %s", spec.Name, value)
	return res, nil
}

// LoadAliases reads the aliases of the selected device.
func (c *Console) LoadAliases(ctx context.Context) (*remote.Aliases, error) {
	id, err := c.selectedDevice()
	if err != nil {
		return nil, c.fail("Load aliases", err)
	}
	aliases, err := c.api.Aliases(ctx, id)
	if err != nil {
		return nil, c.fail("Load aliases", err)
	}
	c.mu.Lock()
	cp := *aliases
	c.aliases = &cp
	c.mu.Unlock()
	c.succeed(LevelResponse, "Loaded aliases of device %s", id)
	return aliases, nil
}

// CachedAliases returns the last loaded aliases, or nil.
func (c *Console) CachedAliases() *remote.Aliases {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.aliases == nil {
		return nil
	}
	cp := *c.aliases
	return &cp
}

// UpdateAlias writes one alias field of the selected device, rolling back
// the cached value on failure.
func (c *Console) UpdateAlias(ctx context.Context, field, value string) (*remote.AliasUpdate, error) {
	const action = "Update alias"
	name, address, err := AliasAddress(field)
	if err != nil {
		return nil, c.fail(action, err)
	}
	id, err := c.selectedDevice()
	if err != nil {
		return nil, c.fail(action, err)
	}

	c.mu.Lock()
	cached := c.aliases
	var previous string
	if cached != nil {
		previous = aliasValue(*cached, name)
		setAliasValue(cached, name, value)
	}
	c.mu.Unlock()

	res, err := c.api.UpdateAlias(ctx, id, address, value)
	if err != nil {
		c.mu.Lock()
		if cached != nil && c.aliases == cached {
			setAliasValue(cached, name, previous)
		}
		c.mu.Unlock()
		return nil, c.fail(action, err)
	}
	c.succeed(LevelSuccess, "Alias %s set to %q", name, value)
	return res, nil
}

// LoadMeasurements reads the latest measurements of the selected device.
func (c *Console) LoadMeasurements(ctx context.Context) ([]MeasurementRow, error) {
	id, err := c.selectedDevice()
	if err != nil {
		return nil, c.fail("Load measurements", err)
	}
	list, err := c.api.Measurements(ctx, id)
	if err != nil {
		return nil, c.fail("Load measurements", err)
	}
	c.succeed(LevelResponse, "Loaded %d measurements of device %s", len(list), id)
	return MeasurementRows(list, c.location), nil
}

// FilteredMeasurements is a period filtered measurement list.
type FilteredMeasurements struct {
	Rows       []MeasurementRow   `json:"rows"`
	TotalCount int                `json:"total_count"`
	ShownCount int                `json:"shown_count"`
	Limit      int                `json:"limit"`
	Summary    MeasurementSummary `json:"summary"`
	Period     string             `json:"period"`
}

// LoadFiltered reads measurements of the selected device within the current
// period.
func (c *Console) LoadFiltered(ctx context.Context) (*FilteredMeasurements, error) {
	const action = "Load filtered measurements"
	desc, err := c.usablePeriod()
	if err != nil {
		return nil, c.fail(action, err)
	}
	list, err := c.api.FilteredList(ctx, &desc)
	if err != nil {
		return nil, c.fail(action, err)
	}
	rows := MeasurementRows(list.Data, c.location)
	out := &FilteredMeasurements{
		Rows:       rows,
		TotalCount: list.TotalCount,
		ShownCount: list.ShownCount,
		Limit:      period.CalculateLimit(&desc),
		Summary:    Summarize(Chronological(list.Data, c.location), c.location),
		Period:     desc.Label(),
	}
	c.succeed(LevelResponse, "Loaded %d of %d measurements for %s", len(rows), list.TotalCount, desc.Label())
	return out, nil
}

// LoadRateChart reads the rate chart of the current period.
func (c *Console) LoadRateChart(ctx context.Context) (RateSeries, error) {
	const action = "Load rate chart"
	desc, err := c.usablePeriod()
	if err != nil {
		return RateSeries{}, c.fail(action, err)
	}
	chart, err := c.api.RateChart(ctx, &desc)
	if err != nil {
		return RateSeries{}, c.fail(action, err)
	}
	series := RateChartSeries(chart, c.location)
	c.succeed(LevelResponse, "Loaded rate chart with %d points for %s", series.Points, desc.Label())
	return series, nil
}

// LoadIncrementalChart reads the incremental total chart of the current
// period.
func (c *Console) LoadIncrementalChart(ctx context.Context) (IncrementalSeries, error) {
	const action = "Load incremental chart"
	desc, err := c.usablePeriod()
	if err != nil {
		return IncrementalSeries{}, c.fail(action, err)
	}
	chart, err := c.api.IncrementalChart(ctx, &desc)
	if err != nil {
		return IncrementalSeries{}, c.fail(action, err)
	}
	series := IncrementalChartSeries(chart, c.location)
	c.succeed(LevelResponse, "Loaded incremental chart with %d points for %s", series.Points, desc.Label())
	return series, nil
}

// DownloadReport fetches the CSV report of the current period.
func (c *Console) DownloadReport(ctx context.Context) (*remote.Report, error) {
	const action = "Download report"
	desc, err := c.usablePeriod()
	if err != nil {
		return nil, c.fail(action, err)
	}
	report, err := c.api.GenerateReport(ctx, &desc)
	if err != nil {
		return nil, c.fail(action, err)
	}
	c.succeed(LevelSuccess, "Report %s downloaded (%d bytes)", report.Filename, len(report.Content))
	return report, nil
}

// SaveReport writes report into dir and returns the written path.
func SaveReport(report *remote.Report, dir string) (string, error) {
	if report == nil {
		return "", errors.New("report is nil")
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	name := filepath.Base(report.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "raport.csv"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, report.Content, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// ToggleServiceMode switches service mode of the selected device. The
// displayed state flips immediately and is restored if the request fails.
func (c *Console) ToggleServiceMode(ctx context.Context, enabled bool) (*remote.ServiceModeStatus, error) {
	const action = "Service mode"
	if _, err := c.selectedDevice(); err != nil {
		return nil, c.fail(action, err)
	}

	c.mu.Lock()
	if c.toggling {
		c.mu.Unlock()
		return nil, c.fail(action, &remote.ValidationError{Field: "enabled", Message: "a toggle is already in progress"})
	}
	c.toggling = true
	previous, previousClass := c.serviceMode, c.serviceClass
	optimistic := &remote.ServiceModeStatus{Enabled: enabled, Active: enabled}
	if previous != nil {
		cp := *previous
		cp.Enabled = enabled
		optimistic = &cp
	}
	c.serviceMode = optimistic
	c.mu.Unlock()

	status, err := c.api.ToggleServiceMode(ctx, enabled)

	c.mu.Lock()
	c.toggling = false
	if err != nil {
		c.serviceMode = previous
		c.serviceClass = previousClass
	} else {
		c.serviceMode = status
		c.serviceClass = c.classifier.Classify(status)
	}
	c.mu.Unlock()

	if err != nil {
		c.recordPoll(pollServiceMode, fmt.Errorf("toggle service mode: %w: %v", errCommunication, err))
		return nil, c.fail(action, err)
	}
	state, level := "OFF", LevelInfo
	if enabled {
		state, level = "ON", LevelSuccess
	}
	msg := strings.TrimSpace(status.StatusMessage)
	if msg == "" {
		c.succeed(level, "Service mode %s", state)
	} else {
		c.succeed(level, "Service mode %s - %s", state, msg)
	}
	return status, nil
}

// ServiceModeStatus reads the service mode of the selected device.
func (c *Console) ServiceModeStatus(ctx context.Context) (*remote.ServiceModeStatus, StatusClass, error) {
	status, err := c.api.ServiceModeStatus(ctx)
	if err != nil {
		return nil, StatusInactive, c.fail("Service mode status", err)
	}
	class := c.classifier.Classify(status)
	c.mu.Lock()
	if !c.toggling {
		c.serviceMode = status
		c.serviceClass = class
	}
	c.mu.Unlock()
	c.succeed(LevelResponse, "Service mode is %s", class)
	return status, class, nil
}

// MachineState reads the machine state observation.
func (c *Console) MachineState(ctx context.Context) (*remote.MachineState, error) {
	state, err := c.api.MachineState(ctx)
	if err != nil {
		return nil, c.fail("Machine state", err)
	}
	c.mu.Lock()
	c.machine = state
	c.mu.Unlock()
	c.succeed(LevelResponse, "Machine state %s", state.Data.ObservedState)
	return state, nil
}

// SetPeriod switches the reporting period category.
func (c *Console) SetPeriod(raw string) (period.Descriptor, error) {
	if strings.TrimSpace(raw) == "" {
		return period.Descriptor{}, c.fail("Set period", &remote.ValidationError{Field: "period", Message: "a reporting period is required"})
	}
	return c.ApplyPeriod(raw, nil, nil)
}

// ApplyPeriod sets the category and the custom dates in one step and logs a
// single entry. An empty category keeps the current one, or switches to
// custom when a date is given. A nil date is left as it is and an empty one
// is cleared. Dates are only accepted for the custom period.
func (c *Console) ApplyPeriod(category string, start, end *string) (period.Descriptor, error) {
	const action = "Set period"
	dated := start != nil || end != nil
	target := c.period.Category()
	switch {
	case strings.TrimSpace(category) != "":
		parsed, err := period.ParseCategory(category)
		if err != nil {
			return period.Descriptor{}, c.fail(action, &remote.ValidationError{Field: "period", Message: err.Error()})
		}
		target = parsed
	case dated:
		target = period.Custom
	}
	if dated && target != period.Custom {
		return period.Descriptor{}, c.fail(action, &remote.ValidationError{Field: "period", Message: "start and end dates require the custom period"})
	}
	startDate, err := c.optionalDate(start)
	if err != nil {
		return period.Descriptor{}, c.fail(action, err)
	}
	endDate, err := c.optionalDate(end)
	if err != nil {
		return period.Descriptor{}, c.fail(action, err)
	}

	if err := c.period.SetCategory(target); err != nil {
		return period.Descriptor{}, c.fail(action, err)
	}
	if start != nil {
		if err := c.period.SetCustomDate(period.Start, startDate); err != nil {
			return period.Descriptor{}, c.fail(action, err)
		}
	}
	if end != nil {
		if err := c.period.SetCustomDate(period.End, endDate); err != nil {
			return period.Descriptor{}, c.fail(action, err)
		}
	}
	return c.logPeriod(), nil
}

// SetCustomDate sets one end of the custom range from a YYYY-MM-DD string. An
// empty string clears it.
func (c *Console) SetCustomDate(which period.Bound, raw string) (period.Descriptor, error) {
	const action = "Set custom date"
	date, err := c.optionalDate(&raw)
	if err != nil {
		return period.Descriptor{}, c.fail(action, err)
	}
	if err := c.period.SetCustomDate(which, date); err != nil {
		if errors.Is(err, period.ErrNotCustom) {
			err = &remote.ValidationError{Field: "period", Message: "switch to the custom period first"}
		}
		return period.Descriptor{}, c.fail(action, err)
	}
	return c.logPeriod(), nil
}

// optionalDate parses a YYYY-MM-DD string. Nil and blank both yield nil.
func (c *Console) optionalDate(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	parsed, err := period.ParseDate(strings.TrimSpace(*raw), c.location)
	if err != nil {
		return nil, &remote.ValidationError{Field: "date", Message: err.Error()}
	}
	return &parsed, nil
}

func (c *Console) logPeriod() period.Descriptor {
	desc := c.period.Descriptor()
	if desc.Category == period.Custom && !desc.Valid() {
		c.activity.Add(LevelWarning, fmt.Sprintf("Custom period incomplete: %s", desc.Label()))
		return desc
	}
	c.succeed(LevelInfo, "Period set to %s", desc.Label())
	return desc
}

// SearchDevices finds devices by partial alias match.
func (c *Console) SearchDevices(ctx context.Context, q remote.AliasQuery) ([]remote.DeviceSummary, error) {
	found, err := c.api.SearchDevices(ctx, q)
	if err != nil {
		return nil, c.fail("Search devices", err)
	}
	c.succeed(LevelResponse, "Found %d devices", len(found))
	return found, nil
}

// LoadDevices reads the device list with activity state.
func (c *Console) LoadDevices(ctx context.Context) ([]remote.DeviceStatus, error) {
	devices, err := c.api.Devices(ctx)
	if err != nil {
		return nil, c.fail("Load devices", err)
	}
	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()
	c.succeed(LevelResponse, "Loaded %d devices", len(devices))
	return devices, nil
}
