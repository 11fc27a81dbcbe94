package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/massensors/beltconsole/period"
	"github.com/massensors/beltconsole/telemetry"
)

// DefaultReportName is used when the report response carries no filename.
const DefaultReportName = "raport.csv"

const maxErrorBody = 4096

// Client talks to the belt-scale backend API. It never retries; callers
// decide how failures surface.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  TokenStore
	logger  zerolog.Logger
	metrics telemetry.Collector
	newID   func() string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds every request. Zero keeps requests unbounded.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			clone := *c.http
			clone.Timeout = d
			c.http = &clone
		}
	}
}

// WithTokenStore sets the bearer token source.
func WithTokenStore(store TokenStore) Option {
	return func(c *Client) {
		if store != nil {
			c.tokens = store
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCollector sets the telemetry collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(c *Client) {
		if collector != nil {
			c.metrics = collector
		}
	}
}

// New builds a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("api base url is required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api base url: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{},
		tokens:  NewMemoryTokenStore(""),
		logger:  zerolog.Nop(),
		metrics: telemetry.Noop(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Tokens returns the token store used by the client.
func (c *Client) Tokens() TokenStore {
	return c.tokens
}

type call struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	schema string
	accept string
}

func (c *Client) endpoint(p string, query url.Values) string {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// send performs the request and returns the raw 2xx body with its headers.
func (c *Client) send(ctx context.Context, cl call) ([]byte, http.Header, error) {
	var reader io.Reader
	if cl.body != nil {
		payload, err := json.Marshal(cl.body)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: encode request: %w", cl.op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.endpoint(cl.path, cl.query), reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: build request: %w", cl.op, err)
	}
	requestID := c.newID()
	req.Header.Set("X-Request-ID", requestID)
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	accept := cl.accept
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	log := c.logger.With().Str("op", cl.op).Str("request_id", requestID).Logger()
	log.Debug().Str("method", cl.method).Str("url", req.URL.String()).Msg("api request")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(cl.op, 0, time.Since(started))
		log.Warn().Err(err).Msg("api request failed")
		return nil, nil, &NetworkError{Op: cl.op, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.ObserveRequest(cl.op, resp.StatusCode, time.Since(started))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if clearErr := c.tokens.Clear(); clearErr != nil {
			log.Warn().Err(clearErr).Msg("clear token")
		}
		log.Warn().Int("status", resp.StatusCode).Msg("api authentication rejected")
		return nil, nil, &AuthError{Network: &NetworkError{Op: cl.op, Status: resp.StatusCode, Message: errorMessage(body)}}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		netErr := &NetworkError{Op: cl.op, Status: resp.StatusCode, Message: errorMessage(body)}
		if readErr != nil {
			netErr.Err = readErr
		}
		log.Warn().Int("status", resp.StatusCode).Str("message", netErr.Message).Msg("api request rejected")
		return nil, nil, netErr
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &NetworkError{Op: cl.op, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	log.Debug().Int("status", resp.StatusCode).Int("bytes", len(body)).Msg("api response")
	return body, resp.Header, nil
}

// doJSON sends the call, validates the body and decodes it into out.
func (c *Client) doJSON(ctx context.Context, cl call, out any) error {
	body, _, err := c.send(ctx, cl)
	if err != nil {
		return err
	}
	doc, err := validateResponse(cl.schema, body)
	if err != nil {
		return &NetworkError{Op: cl.op, Status: http.StatusOK, Message: err.Error(), Err: err}
	}
	if msg, failed := backendFailure(doc); failed {
		return &NetworkError{Op: cl.op, Status: http.StatusOK, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &NetworkError{Op: cl.op, Status: http.StatusOK, Message: "decode response", Err: err}
	}
	return nil
}

// backendFailure detects 2xx payloads that still report an error.
func backendFailure(doc any) (string, bool) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return "", false
	}
	if status, _ := obj["status"].(string); status == "error" {
		msg, _ := obj["message"].(string)
		if msg == "" {
			msg = "backend reported an error"
		}
		return msg, true
	}
	if success, ok := obj["success"].(bool); ok && !success {
		msg, _ := obj["error"].(string)
		if msg == "" {
			msg = "backend reported failure"
		}
		return msg, true
	}
	return "", false
}

// errorMessage extracts a readable message from an error body.
func errorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"detail", "message", "error"} {
			if s, ok := payload[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return trimmed
}

func requireDevice(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", validationf("device_id", "device id is required")
	}
	return trimmed, nil
}

// Parameters lists the configuration parameters of a device.
func (c *Client) Parameters(ctx context.Context, deviceID string) (*Parameters, error) {
	id, err := requireDevice(deviceID)
	if err != nil {
		return nil, err
	}
	var out Parameters
	err = c.doJSON(ctx, call{op: "parameters", method: http.MethodGet, path: "/app/devices/" + url.PathEscape(id) + "/parameters", schema: schemaParameters}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateParameter writes one parameter value.
func (c *Client) UpdateParameter(ctx context.Context, deviceID string, address int, value string) (*ParameterUpdate, error) {
	id, err := requireDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if address <= 0 {
		return nil, validationf("address", "invalid parameter address %d", address)
	}
	if strings.TrimSpace(value) == "" {
		return nil, validationf("value", "value is required")
	}
	var out ParameterUpdate
	err = c.doJSON(ctx, call{
		op:     "update_parameter",
		method: http.MethodPut,
		path:   "/app/devices/" + url.PathEscape(id) + "/parameters/" + strconv.Itoa(address),
		body:   map[string]string{"param_data": value},
		schema: schemaParameterUpdate,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Aliases returns the alias fields of a device.
func (c *Client) Aliases(ctx context.Context, deviceID string) (*Aliases, error) {
	id, err := requireDevice(deviceID)
	if err != nil {
		return nil, err
	}
	var out Aliases
	if err := c.doJSON(ctx, call{op: "aliases", method: http.MethodGet, path: "/aliases/" + url.PathEscape(id), schema: schemaAliases}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateAlias writes one alias field identified by its address.
func (c *Client) UpdateAlias(ctx context.Context, deviceID string, address int, value string) (*AliasUpdate, error) {
	id, err := requireDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if address <= 0 {
		return nil, validationf("field_address", "invalid alias address %d", address)
	}
	if strings.TrimSpace(value) == "" {
		return nil, validationf("field_value", "value is required")
	}
	var out AliasUpdate
	err = c.doJSON(ctx, call{
		op:     "update_alias",
		method: http.MethodPut,
		path:   "/aliases/" + url.PathEscape(id) + "/field/" + strconv.Itoa(address),
		body:   map[string]any{"field_address": address, "field_value": value},
		schema: schemaAliasUpdate,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Measurements lists every stored measurement of a device.
func (c *Client) Measurements(ctx context.Context, deviceID string) ([]Measurement, error) {
	id, err := requireDevice(deviceID)
	if err != nil {
		return nil, err
	}
	var out []Measurement
	if err := c.doJSON(ctx, call{op: "measurements", method: http.MethodGet, path: "/measure-data/device/" + url.PathEscape(id), schema: schemaMeasurements}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PeriodQuery builds the period filter plus the sampling cap under limitKey.
// The cap is derived from the descriptor on every call.
func PeriodQuery(desc *period.Descriptor, limitKey string) url.Values {
	values := url.Values{}
	if desc != nil {
		values = desc.Query()
	}
	if limitKey != "" {
		values.Set(limitKey, strconv.Itoa(period.CalculateLimit(desc)))
	}
	return values
}

// FilteredList lists the selected device's measurements within the period.
func (c *Client) FilteredList(ctx context.Context, desc *period.Descriptor) (*FilteredList, error) {
	var out FilteredList
	err := c.doJSON(ctx, call{op: "filtered_list", method: http.MethodGet, path: "/measure-data/filtered/list", query: PeriodQuery(desc, "max_results"), schema: schemaFilteredList}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RateChart fetches the throughput chart series for the period.
func (c *Client) RateChart(ctx context.Context, desc *period.Descriptor) (*RateChart, error) {
	var out RateChart
	err := c.doJSON(ctx, call{op: "rate_chart", method: http.MethodGet, path: "/measure-data/filtered/rate-chart-data", query: PeriodQuery(desc, "max_points"), schema: schemaRateChart}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// IncrementalChart fetches the incremental total chart series for the period.
func (c *Client) IncrementalChart(ctx context.Context, desc *period.Descriptor) (*IncrementalChart, error) {
	var out IncrementalChart
	err := c.doJSON(ctx, call{op: "incremental_chart", method: http.MethodGet, path: "/measure-data/filtered/chart-data", query: PeriodQuery(desc, "max_points"), schema: schemaIncremental}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateReport downloads the CSV report for the period. Custom periods
// need both dates.
func (c *Client) GenerateReport(ctx context.Context, desc *period.Descriptor) (*Report, error) {
	if desc == nil || !desc.Category.Known() {
		return nil, validationf("period_type", "a reporting period is required")
	}
	if desc.Category == period.Custom && !desc.Valid() {
		return nil, validationf("period", "select both start and end dates")
	}
	body, header, err := c.send(ctx, call{op: "report", method: http.MethodGet, path: "/reports/generate-report", query: desc.Query(), accept: "text/csv"})
	if err != nil {
		return nil, err
	}
	return &Report{
		Filename:    reportFilename(header.Get("Content-Disposition")),
		ContentType: header.Get("Content-Type"),
		Content:     body,
	}, nil
}

func reportFilename(disposition string) string {
	if disposition == "" {
		return DefaultReportName
	}
	var raw string
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		raw = params["filename"]
	} else if idx := strings.Index(disposition, `filename="`); idx >= 0 {
		rest := disposition[idx+len(`filename="`):]
		if end := strings.Index(rest, `"`); end > 0 {
			raw = rest[:end]
		}
	}
	if raw == "" {
		return DefaultReportName
	}
	name := path.Base(strings.ReplaceAll(raw, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return DefaultReportName
	}
	return name
}

// SelectDevice makes deviceID the backend's selected device.
func (c *Client) SelectDevice(ctx context.Context, deviceID string) (*Selection, error) {
	id, err := requireDevice(deviceID)
	if err != nil {
		return nil, err
	}
	var out Selection
	err = c.doJSON(ctx, call{op: "select_device", method: http.MethodPost, path: "/device-selection/select", body: map[string]string{"device_id": id}, schema: schemaSelection}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentSelection returns the backend's selected device.
func (c *Client) CurrentSelection(ctx context.Context) (*Selection, error) {
	var out Selection
	if err := c.doJSON(ctx, call{op: "current_selection", method: http.MethodGet, path: "/device-selection/current", schema: schemaSelection}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearSelection deselects the current device.
func (c *Client) ClearSelection(ctx context.Context) (*ClearResult, error) {
	var out ClearResult
	if err := c.doJSON(ctx, call{op: "clear_selection", method: http.MethodDelete, path: "/device-selection/clear", schema: schemaClear}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ToggleServiceMode switches the global service mode.
func (c *Client) ToggleServiceMode(ctx context.Context, enabled bool) (*ServiceModeStatus, error) {
	var out ServiceModeStatus
	err := c.doJSON(ctx, call{op: "service_mode_toggle", method: http.MethodPost, path: "/service-mode/toggle", body: map[string]bool{"enabled": enabled}, schema: schemaServiceMode}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ToggleServiceModeForDevice switches service mode for the selected device.
func (c *Client) ToggleServiceModeForDevice(ctx context.Context, enabled bool) (*ServiceModeStatus, error) {
	var out ServiceModeStatus
	err := c.doJSON(ctx, call{op: "service_mode_toggle_device", method: http.MethodPost, path: "/service-mode/toggle-for-device", body: map[string]bool{"enabled": enabled}, schema: schemaServiceMode}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ServiceModeStatus reads the observed service mode.
func (c *Client) ServiceModeStatus(ctx context.Context) (*ServiceModeStatus, error) {
	var out ServiceModeStatus
	if err := c.doJSON(ctx, call{op: "service_mode_status", method: http.MethodGet, path: "/service-mode/status", schema: schemaServiceMode}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MachineState reads the device state machine observation.
func (c *Client) MachineState(ctx context.Context) (*MachineState, error) {
	var out MachineState
	if err := c.doJSON(ctx, call{op: "machine_state", method: http.MethodGet, path: "/machine-state/status", schema: schemaMachineState}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Devices lists the known devices with their activity state.
func (c *Client) Devices(ctx context.Context) ([]DeviceStatus, error) {
	var out devicesStatusResponse
	if err := c.doJSON(ctx, call{op: "devices_status", method: http.MethodGet, path: "/api/devices/status", schema: schemaDevicesStatus}, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// DeviceCount returns the number of known devices.
func (c *Client) DeviceCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.doJSON(ctx, call{op: "device_count", method: http.MethodGet, path: "/api/devices/count", schema: schemaDeviceCount}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// SearchDevices finds devices whose aliases partially match the query.
func (c *Client) SearchDevices(ctx context.Context, q AliasQuery) ([]DeviceSummary, error) {
	if q.Empty() {
		return nil, validationf("query", "at least one alias filter is required")
	}
	var out []DeviceSummary
	err := c.doJSON(ctx, call{op: "device_search", method: http.MethodGet, path: "/api/devices/search/by-alias", query: q.values(), schema: schemaDeviceSearch}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DynamicReadings returns the latest live readings.
func (c *Client) DynamicReadings(ctx context.Context) (*DynamicReadings, error) {
	var out DynamicReadings
	if err := c.doJSON(ctx, call{op: "dynamic_readings", method: http.MethodGet, path: "/dynamic-readings/readings", schema: schemaReadings}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActivateReadings switches the backend into dynamic readings mode.
func (c *Client) ActivateReadings(ctx context.Context) error {
	return c.doJSON(ctx, call{op: "readings_activate", method: http.MethodPost, path: "/dynamic-readings/activate", schema: schemaAck}, nil)
}

// DeactivateReadings leaves dynamic readings mode.
func (c *Client) DeactivateReadings(ctx context.Context) error {
	return c.doJSON(ctx, call{op: "readings_deactivate", method: http.MethodPost, path: "/dynamic-readings/deactivate", schema: schemaAck}, nil)
}
