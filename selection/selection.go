// Package selection tracks which device the console is working on and keeps
// that choice in sync with the backend.
package selection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/massensors/beltconsole/remote"
)

// ErrSuperseded is returned by a call whose result arrived after a newer
// call had already been applied. The result is returned with it but was not
// stored.
var ErrSuperseded = errors.New("selection superseded by a newer request")

// Backend is the subset of the API the selection state needs.
type Backend interface {
	SelectDevice(ctx context.Context, deviceID string) (*remote.Selection, error)
	CurrentSelection(ctx context.Context) (*remote.Selection, error)
	ClearSelection(ctx context.Context) (*remote.ClearResult, error)
	ServiceModeStatus(ctx context.Context) (*remote.ServiceModeStatus, error)
	ToggleServiceModeForDevice(ctx context.Context, enabled bool) (*remote.ServiceModeStatus, error)
}

// EventKind distinguishes selection notifications.
type EventKind int

const (
	// DeviceSelected is emitted after a successful select.
	DeviceSelected EventKind = iota + 1
	// DeviceDeselected is emitted after a successful clear.
	DeviceDeselected
)

func (k EventKind) String() string {
	switch k {
	case DeviceSelected:
		return "device_selected"
	case DeviceDeselected:
		return "device_deselected"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Kind     EventKind
	DeviceID string
	Data     *remote.Selection
}

// Option customises a State.
type Option func(*State)

// WithLogger sets the logger used for best-effort side effects.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *State) {
		s.logger = logger
	}
}

// WithParametersViewActive reports whether the parameters view is in the
// foreground. Switching devices while it is takes the previous device out of
// service mode.
func WithParametersViewActive(fn func() bool) Option {
	return func(s *State) {
		if fn != nil {
			s.paramsActive = fn
		}
	}
}

// State holds the selected device. It is safe for concurrent use.
type State struct {
	backend      Backend
	logger       zerolog.Logger
	paramsActive func() bool

	mu       sync.Mutex
	deviceID string
	info     *remote.DeviceInfo
	issued   uint64
	applied  uint64
	subs     map[int]func(Event)
	nextSub  int
}

// New creates an empty selection backed by backend.
func New(backend Backend, opts ...Option) *State {
	s := &State{
		backend:      backend,
		logger:       zerolog.Nop(),
		paramsActive: func() bool { return false },
		subs:         make(map[int]func(Event)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Subscribe registers fn for selection events. The returned function removes
// the subscription.
func (s *State) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *State) publish(ev Event) {
	s.mu.Lock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// SelectDevice makes id the selected device. A blank id fails with a
// *remote.ValidationError before any request. When calls overlap, the most
// recently issued call that succeeds wins; results of older calls are
// returned to their caller with ErrSuperseded but not stored or announced.
func (s *State) SelectDevice(ctx context.Context, id string) (*remote.Selection, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, &remote.ValidationError{Field: "device_id", Message: "device id must not be empty"}
	}

	s.mu.Lock()
	s.issued++
	seq := s.issued
	previous := s.deviceID
	s.mu.Unlock()

	data, err := s.backend.SelectDevice(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("select device %s: %w", trimmed, err)
	}

	s.mu.Lock()
	if seq < s.applied {
		s.mu.Unlock()
		s.logger.Debug().Str("device", trimmed).Uint64("seq", seq).Msg("discarding stale selection result")
		return data, ErrSuperseded
	}
	s.applied = seq
	s.deviceID = data.SelectedDeviceID
	if s.deviceID == "" {
		s.deviceID = trimmed
	}
	s.info = data.DeviceInfo
	s.mu.Unlock()

	if previous != "" && previous != trimmed && s.paramsActive() {
		s.disablePreviousServiceMode(ctx, previous)
	}

	s.publish(Event{Kind: DeviceSelected, DeviceID: trimmed, Data: data})
	return data, nil
}

func (s *State) disablePreviousServiceMode(ctx context.Context, previous string) {
	status, err := s.backend.ServiceModeStatus(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("previous_device", previous).Msg("read service mode before switching device")
		return
	}
	if !status.Enabled {
		return
	}
	if _, err := s.backend.ToggleServiceModeForDevice(ctx, false); err != nil {
		s.logger.Warn().Err(err).Str("previous_device", previous).Msg("disable service mode of previous device")
		return
	}
	s.logger.Info().Str("previous_device", previous).Msg("service mode disabled for previous device")
}

// CurrentSelection loads the backend's selection into the local state
// without notifying subscribers.
func (s *State) CurrentSelection(ctx context.Context) (*remote.Selection, error) {
	s.mu.Lock()
	s.issued++
	seq := s.issued
	s.mu.Unlock()

	data, err := s.backend.CurrentSelection(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current selection: %w", err)
	}

	s.mu.Lock()
	if seq >= s.applied {
		s.applied = seq
		s.deviceID = strings.TrimSpace(data.SelectedDeviceID)
		s.info = data.DeviceInfo
	}
	s.mu.Unlock()
	return data, nil
}

// ClearSelection deselects the device on the backend, then locally.
func (s *State) ClearSelection(ctx context.Context) (*remote.ClearResult, error) {
	s.mu.Lock()
	s.issued++
	seq := s.issued
	s.mu.Unlock()

	result, err := s.backend.ClearSelection(ctx)
	if err != nil {
		return nil, fmt.Errorf("clear selection: %w", err)
	}

	s.mu.Lock()
	stale := seq < s.applied
	if !stale {
		s.applied = seq
		s.deviceID = ""
		s.info = nil
	}
	s.mu.Unlock()

	if stale {
		return result, ErrSuperseded
	}
	s.publish(Event{Kind: DeviceDeselected})
	return result, nil
}

// SelectedDeviceID returns the selected device or "".
func (s *State) SelectedDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// HasSelection reports whether a device is selected.
func (s *State) HasSelection() bool {
	return s.SelectedDeviceID() != ""
}

// DeviceInfo returns the metadata of the selected device, or nil.
func (s *State) DeviceInfo() *remote.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}
