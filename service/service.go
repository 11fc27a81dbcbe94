// Package service implements the operator console: the selected device, the
// reporting period, background status polling bound to the foreground view
// and the activity log of user actions.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/massensors/beltconsole/config"
	"github.com/massensors/beltconsole/period"
	"github.com/massensors/beltconsole/poller"
	"github.com/massensors/beltconsole/remote"
	"github.com/massensors/beltconsole/selection"
	"github.com/massensors/beltconsole/telemetry"
)

// View names a console screen.
type View string

const (
	ViewDevices      View = "devices"
	ViewParameters   View = "parameters"
	ViewAliases      View = "aliases"
	ViewMeasurements View = "measurements"
	ViewReadings     View = "readings"
	ViewCharts       View = "charts"
)

// Views lists every console screen.
func Views() []View {
	return []View{ViewDevices, ViewParameters, ViewAliases, ViewMeasurements, ViewReadings, ViewCharts}
}

// ParseView resolves a view name.
func ParseView(raw string) (View, error) {
	v := View(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Views() {
		if v == known {
			return v, nil
		}
	}
	return "", &remote.ValidationError{Field: "view", Message: fmt.Sprintf("unknown view %q", raw)}
}

// Poller names.
const (
	pollServiceMode  = "service_mode"
	pollMachineState = "machine_state"
	pollReadings     = "readings"
	pollDevices      = "devices"
)

const deactivateTimeout = 3 * time.Second

// errCommunication marks a failed exchange whose indicator shows
// commFailureMessage instead of the raw error.
var errCommunication = errors.New("communication failure")

const commFailureMessage = "Błąd komunikacji"

// API is the backend surface used by the console.
type API interface {
	selection.Backend
	Parameters(ctx context.Context, deviceID string) (*remote.Parameters, error)
	UpdateParameter(ctx context.Context, deviceID string, address int, value string) (*remote.ParameterUpdate, error)
	Aliases(ctx context.Context, deviceID string) (*remote.Aliases, error)
	UpdateAlias(ctx context.Context, deviceID string, address int, value string) (*remote.AliasUpdate, error)
	Measurements(ctx context.Context, deviceID string) ([]remote.Measurement, error)
	FilteredList(ctx context.Context, desc *period.Descriptor) (*remote.FilteredList, error)
	RateChart(ctx context.Context, desc *period.Descriptor) (*remote.RateChart, error)
	IncrementalChart(ctx context.Context, desc *period.Descriptor) (*remote.IncrementalChart, error)
	GenerateReport(ctx context.Context, desc *period.Descriptor) (*remote.Report, error)
	ToggleServiceMode(ctx context.Context, enabled bool) (*remote.ServiceModeStatus, error)
	MachineState(ctx context.Context) (*remote.MachineState, error)
	Devices(ctx context.Context) ([]remote.DeviceStatus, error)
	SearchDevices(ctx context.Context, q remote.AliasQuery) ([]remote.DeviceSummary, error)
	DynamicReadings(ctx context.Context) (*remote.DynamicReadings, error)
	ActivateReadings(ctx context.Context) error
	DeactivateReadings(ctx context.Context) error
}

// Option customises a Console.
type Option func(*options)

type options struct {
	newTicker poller.TickerFactory
	now       func() time.Time
}

// WithTicker replaces the ticker used by the background pollers.
func WithTicker(f poller.TickerFactory) Option {
	return func(o *options) {
		if f != nil {
			o.newTicker = f
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// PollStatus is the indicator state of one background poller.
type PollStatus struct {
	Name       string     `json:"name"`
	Active     bool       `json:"active"`
	OK         bool       `json:"ok"`
	Error      string     `json:"error,omitempty"`
	Message    string     `json:"message,omitempty"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
}

type viewPoller interface {
	Name() string
	Start(ctx context.Context)
	Stop()
	Active() bool
}

// State is a snapshot of the console.
type State struct {
	View             View                      `json:"view"`
	PageVisible      bool                      `json:"page_visible"`
	SelectedDevice   string                    `json:"selected_device"`
	DeviceInfo       *remote.DeviceInfo        `json:"device_info,omitempty"`
	Period           period.Descriptor         `json:"period"`
	PeriodLabel      string                    `json:"period_label"`
	PeriodValid      bool                      `json:"period_valid"`
	SamplingLimit    int                       `json:"sampling_limit"`
	ServiceMode      *remote.ServiceModeStatus `json:"service_mode,omitempty"`
	ServiceModeClass StatusClass               `json:"service_mode_class"`
	MachineState     *remote.MachineState      `json:"machine_state,omitempty"`
	Readings         *remote.DynamicReadings   `json:"readings,omitempty"`
	Devices          []remote.DeviceStatus     `json:"devices"`
	Polls            []PollStatus              `json:"polls"`
	LoginRequired    bool                      `json:"login_required"`
}

// Console is the operator console. It is safe for concurrent use.
type Console struct {
	cfg        *config.Config
	api        API
	logger     zerolog.Logger
	metrics    *collectorSwitch
	location   *time.Location
	now        func() time.Time
	selection  *selection.State
	period     *period.Resolver
	activity   *ActivityLog
	classifier *StatusClassifier
	hub        *eventHub

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// viewMu serialises view transitions and poller Start/Stop. Poller
	// callbacks only take mu.
	viewMu         sync.Mutex
	view           View
	visible        bool
	unloaded       bool
	readingsActive bool
	pollers        map[View][]viewPoller

	mu            sync.RWMutex
	serviceMode   *remote.ServiceModeStatus
	serviceClass  StatusClass
	toggling      bool
	machine       *remote.MachineState
	readings      *remote.DynamicReadings
	devices       []remote.DeviceStatus
	parameters    *remote.Parameters
	aliases       *remote.Aliases
	loginRequired bool
	polls         map[string]PollStatus

	liveView    *liveViewServer
	unsubscribe func()
	closeOnce   sync.Once
}

// New builds a console for cfg talking to api.
func New(cfg *config.Config, api API, logger zerolog.Logger, opts ...Option) (*Console, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if api == nil {
		return nil, errors.New("api must not be nil")
	}
	o := options{newTicker: poller.NewTicker, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	classifier, err := NewStatusClassifier(cfg.StatusRules, logger.With().Str("component", "status").Logger())
	if err != nil {
		return nil, fmt.Errorf("status rules: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Console{
		cfg:          cfg,
		api:          api,
		logger:       logger,
		metrics:      &collectorSwitch{c: telemetry.Noop()},
		location:     loc,
		now:          o.now,
		classifier:   classifier,
		hub:          newEventHub(logger.With().Str("component", "events").Logger()),
		baseCtx:      ctx,
		cancel:       cancel,
		view:         ViewDevices,
		visible:      true,
		serviceClass: StatusInactive,
		polls:        make(map[string]PollStatus),
	}
	c.period = period.NewResolver(period.WithClock(func() time.Time { return c.now().In(loc) }))
	c.activity = newActivityLog(cfg.ActivityCapacity(), c.now, c.metrics)
	c.activity.onAppend = func(entry ActivityEntry) {
		c.hub.publish(Event{Type: eventActivity, Time: entry.Time, Data: entry})
	}
	c.selection = selection.New(api,
		selection.WithLogger(logger.With().Str("component", "selection").Logger()),
		selection.WithParametersViewActive(func() bool { return c.ActiveView() == ViewParameters }),
	)
	c.unsubscribe = c.selection.Subscribe(c.onSelection)

	popts := func(name string) []poller.Option {
		return []poller.Option{
			poller.WithTicker(o.newTicker),
			poller.WithImmediate(),
			poller.WithCollector(c.metrics),
			poller.WithLogger(logger.With().Str("component", "poller").Str("poller", name).Logger()),
		}
	}
	serviceMode := poller.New(pollServiceMode, cfg.ServiceModeInterval(), api.ServiceModeStatus, c.onServiceMode, popts(pollServiceMode)...)
	machine := poller.New(pollMachineState, cfg.MachineStateInterval(), api.MachineState, c.onMachineState, popts(pollMachineState)...)
	readings := poller.New(pollReadings, cfg.ReadingsInterval(), api.DynamicReadings, c.onReadings, popts(pollReadings)...)
	devices := poller.New(pollDevices, cfg.DevicesInterval(), api.Devices, c.onDevices, popts(pollDevices)...)
	c.pollers = map[View][]viewPoller{
		ViewParameters: {serviceMode, machine},
		ViewReadings:   {readings},
		ViewDevices:    {devices},
	}
	for _, list := range c.pollers {
		for _, p := range list {
			c.polls[p.Name()] = PollStatus{Name: p.Name()}
		}
	}
	return c, nil
}

// Validate performs a dry-run validation of the configuration.
func Validate(cfg *config.Config, logger zerolog.Logger) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := NewStatusClassifier(cfg.StatusRules, logger); err != nil {
		return fmt.Errorf("status rules: %w", err)
	}
	return nil
}

// Run syncs the selection with the backend, starts the pollers of the active
// view and blocks until ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	if data, err := c.selection.CurrentSelection(ctx); err != nil {
		if remote.IsAuth(err) {
			c.requireLogin()
		}
		c.logger.Warn().Err(err).Msg("load current selection")
	} else if data.SelectedDeviceID != "" {
		c.logger.Info().Str("device", data.SelectedDeviceID).Msg("restored device selection")
	}

	c.viewMu.Lock()
	c.reconcileLocked(ctx)
	c.viewMu.Unlock()

	select {
	case <-ctx.Done():
	case <-c.baseCtx.Done():
	}
	c.stopPollers()
	return nil
}

// SetTelemetry configures the collector used for metrics emission.
func (c *Console) SetTelemetry(collector telemetry.Collector) {
	if c == nil {
		return
	}
	c.metrics.set(collector)
}

// Selection exposes the device selection state.
func (c *Console) Selection() *selection.State {
	return c.selection
}

// Period exposes the reporting period resolver.
func (c *Console) Period() *period.Resolver {
	return c.period
}

// Activity exposes the activity log.
func (c *Console) Activity() *ActivityLog {
	return c.activity
}

// Location returns the timezone used for calendar calculations.
func (c *Console) Location() *time.Location {
	return c.location
}

// ActiveView returns the foreground view.
func (c *Console) ActiveView() View {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	return c.view
}

// SetActiveView brings v to the foreground. Pollers of the previous view stop
// before those of v start.
func (c *Console) SetActiveView(ctx context.Context, v View) error {
	if _, err := ParseView(string(v)); err != nil {
		return err
	}
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	prev := c.view
	c.view = v
	c.unloaded = false
	c.reconcileLocked(ctx)
	if prev != v {
		c.logger.Debug().Str("from", string(prev)).Str("to", string(v)).Msg("view changed")
		c.hub.publish(Event{Type: eventView, Time: c.now(), Data: map[string]string{"view": string(v)}})
	}
	return nil
}

// SetPageVisible pauses or resumes polling of the foreground view.
func (c *Console) SetPageVisible(visible bool) {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	c.visible = visible
	if visible {
		c.unloaded = false
	}
	c.reconcileLocked(c.baseCtx)
}

// Unload stops all polling and leaves dynamic readings mode without waiting
// for the backend.
func (c *Console) Unload() {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	c.unloaded = true
	c.visible = false
	c.reconcileLocked(c.baseCtx)
}

// reconcileLocked makes poller activity and readings mode match the view.
// Readings are only polled once the backend accepted the activation; a failed
// activation is retried on the next view or visibility change.
func (c *Console) reconcileLocked(ctx context.Context) {
	wantReadings := c.view == ViewReadings && !c.unloaded
	switch {
	case wantReadings && !c.readingsActive:
		if err := c.api.ActivateReadings(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("activate dynamic readings")
			c.recordPoll(pollReadings, err)
		} else {
			c.readingsActive = true
		}
	case !wantReadings && c.readingsActive:
		c.readingsActive = false
		c.deactivateReadings()
	}

	for view, list := range c.pollers {
		want := c.visible && !c.unloaded && view == c.view
		if view == ViewReadings {
			want = want && c.readingsActive
		}
		for _, p := range list {
			switch {
			case want && !p.Active():
				p.Start(c.baseCtx)
			case !want && p.Active():
				p.Stop()
			}
		}
	}
	c.publishPolls()
}

func (c *Console) deactivateReadings() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deactivateTimeout)
		defer cancel()
		if err := c.api.DeactivateReadings(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("deactivate dynamic readings")
			return
		}
		c.logger.Debug().Msg("dynamic readings deactivated")
	}()
}

func (c *Console) stopPollers() {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	for _, list := range c.pollers {
		for _, p := range list {
			p.Stop()
		}
	}
	c.publishPolls()
}

// Close stops background work and the live view.
func (c *Console) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.Unload()
		c.cancel()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if c.liveView != nil {
			c.liveView.close()
		}
		c.hub.close()
		c.wg.Wait()
	})
	return nil
}

// EnableLiveView starts the live view HTTP server.
func (c *Console) EnableLiveView(listen string) error {
	if c == nil {
		return errors.New("console is nil")
	}
	if c.liveView != nil {
		return errors.New("live view already enabled")
	}
	if listen == "" {
		listen = c.cfg.ListenAddress()
	}
	server, err := newLiveViewServer(listen, c, c.logger.With().Str("component", "live_view").Logger())
	if err != nil {
		return err
	}
	c.liveView = server
	return nil
}

// LiveViewAddress returns the bound live view address, if enabled.
func (c *Console) LiveViewAddress() string {
	if c == nil || c.liveView == nil {
		return ""
	}
	return c.liveView.ln.Addr().String()
}

// LoginRequired reports whether the backend rejected the stored credentials.
func (c *Console) LoginRequired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loginRequired
}

func (c *Console) requireLogin() {
	c.mu.Lock()
	already := c.loginRequired
	c.loginRequired = true
	c.mu.Unlock()
	if !already {
		c.logger.Warn().Msg("backend rejected credentials, login required")
		c.hub.publish(Event{Type: eventLogin, Time: c.now()})
	}
}

func (c *Console) clearLoginRequired() {
	c.mu.Lock()
	c.loginRequired = false
	c.mu.Unlock()
}

// State returns a snapshot of the console.
func (c *Console) State() State {
	c.viewMu.Lock()
	view, visible := c.view, c.visible
	c.viewMu.Unlock()

	desc := c.period.Descriptor()
	st := State{
		View:           view,
		PageVisible:    visible,
		SelectedDevice: c.selection.SelectedDeviceID(),
		DeviceInfo:     c.selection.DeviceInfo(),
		Period:         desc,
		PeriodLabel:    desc.Label(),
		PeriodValid:    desc.Valid(),
		SamplingLimit:  period.CalculateLimit(&desc),
		Polls:          c.PollStatuses(),
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	st.ServiceMode = c.serviceMode
	st.ServiceModeClass = c.serviceClass
	st.MachineState = c.machine
	st.Readings = c.readings
	st.Devices = append([]remote.DeviceStatus{}, c.devices...)
	st.LoginRequired = c.loginRequired
	return st
}

// PollStatuses returns the indicator state of every poller, sorted by name.
func (c *Console) PollStatuses() []PollStatus {
	active := make(map[string]bool)
	for _, list := range c.pollers {
		for _, p := range list {
			active[p.Name()] = p.Active()
		}
	}
	c.mu.RLock()
	out := make([]PollStatus, 0, len(c.polls))
	for name, st := range c.polls {
		st.Active = active[name]
		out = append(out, st)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Console) publishPolls() {
	c.hub.publish(Event{Type: eventPollStatus, Time: c.now(), Data: c.PollStatuses()})
}

// recordPoll updates a poller indicator. Failures never reach the activity log.
func (c *Console) recordPoll(name string, err error) {
	now := c.now()
	c.mu.Lock()
	st := c.polls[name]
	st.Name = name
	st.LastUpdate = &now
	st.OK = err == nil
	st.Error = ""
	st.Message = ""
	if err != nil {
		st.Error = err.Error()
		st.Message = st.Error
		if errors.Is(err, errCommunication) {
			st.Message = commFailureMessage
		}
	}
	c.polls[name] = st
	c.mu.Unlock()
	if remote.IsAuth(err) {
		c.requireLogin()
	}
	c.hub.publish(Event{Type: eventPollStatus, Time: now, Data: st})
}

func (c *Console) onServiceMode(res poller.Result[*remote.ServiceModeStatus]) {
	if res.Err == nil && res.Value != nil {
		class := c.classifier.Classify(res.Value)
		c.mu.Lock()
		// A toggle in flight owns the displayed state until it settles.
		if !c.toggling {
			c.serviceMode = res.Value
			c.serviceClass = class
		}
		c.mu.Unlock()
	}
	c.recordPoll(pollServiceMode, res.Err)
}

func (c *Console) onMachineState(res poller.Result[*remote.MachineState]) {
	if res.Err == nil {
		c.mu.Lock()
		c.machine = res.Value
		c.mu.Unlock()
	}
	c.recordPoll(pollMachineState, res.Err)
}

func (c *Console) onReadings(res poller.Result[*remote.DynamicReadings]) {
	if res.Err == nil {
		c.mu.Lock()
		c.readings = res.Value
		c.mu.Unlock()
	}
	c.recordPoll(pollReadings, res.Err)
}

func (c *Console) onDevices(res poller.Result[[]remote.DeviceStatus]) {
	if res.Err == nil {
		c.mu.Lock()
		c.devices = res.Value
		c.mu.Unlock()
	}
	c.recordPoll(pollDevices, res.Err)
}

func (c *Console) onSelection(ev selection.Event) {
	c.mu.Lock()
	c.parameters = nil
	c.aliases = nil
	c.mu.Unlock()
	c.hub.publish(Event{Type: eventSelection, Time: c.now(), Data: map[string]string{
		"kind":      ev.Kind.String(),
		"device_id": ev.DeviceID,
	}})
}

// collectorSwitch lets SetTelemetry swap the collector after construction.
type collectorSwitch struct {
	mu sync.RWMutex
	c  telemetry.Collector
}

func (s *collectorSwitch) set(c telemetry.Collector) {
	if c == nil {
		c = telemetry.Noop()
	}
	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
}

func (s *collectorSwitch) get() telemetry.Collector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c
}

func (s *collectorSwitch) IncHotReload(file string) { s.get().IncHotReload(file) }
func (s *collectorSwitch) ObserveRequest(endpoint string, status int, elapsed time.Duration) {
	s.get().ObserveRequest(endpoint, status, elapsed)
}
func (s *collectorSwitch) IncPollTick(name string, ok bool) { s.get().IncPollTick(name, ok) }
func (s *collectorSwitch) IncActivity(level string)         { s.get().IncActivity(level) }
