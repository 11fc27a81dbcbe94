package selection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/massensors/beltconsole/remote"
)

type fakeBackend struct {
	mu          sync.Mutex
	selectCalls []string
	toggles     []bool
	statusCalls int
	enabled     bool
	selectErr   error
	gates       map[string]chan struct{}
}

func (f *fakeBackend) SelectDevice(ctx context.Context, id string) (*remote.Selection, error) {
	f.mu.Lock()
	f.selectCalls = append(f.selectCalls, id)
	gate := f.gates[id]
	err := f.selectErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &remote.Selection{
		SelectedDeviceID: id,
		DeviceExists:     true,
		DeviceInfo:       &remote.DeviceInfo{MeasuresCount: len(id)},
	}, nil
}

func (f *fakeBackend) CurrentSelection(context.Context) (*remote.Selection, error) {
	return &remote.Selection{SelectedDeviceID: "SRV1"}, nil
}

func (f *fakeBackend) ClearSelection(context.Context) (*remote.ClearResult, error) {
	return &remote.ClearResult{Status: "success"}, nil
}

func (f *fakeBackend) ServiceModeStatus(context.Context) (*remote.ServiceModeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return &remote.ServiceModeStatus{Enabled: f.enabled}, nil
}

func (f *fakeBackend) ToggleServiceModeForDevice(_ context.Context, enabled bool) (*remote.ServiceModeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles = append(f.toggles, enabled)
	return &remote.ServiceModeStatus{Enabled: enabled}, nil
}

func collect(s *State) (*[]Event, *sync.Mutex) {
	var mu sync.Mutex
	events := []Event{}
	s.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	return &events, &mu
}

func TestSelectEmptyIDMakesNoCall(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend)
	events, _ := collect(s)

	_, err := s.SelectDevice(context.Background(), "   ")
	var valErr *remote.ValidationError
	require.True(t, errors.As(err, &valErr))
	require.Empty(t, backend.selectCalls)
	require.Empty(t, *events)
	require.False(t, s.HasSelection())
}

func TestSelectNotifiesExactlyOnce(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend)
	events, _ := collect(s)

	data, err := s.SelectDevice(context.Background(), "ABC123")
	require.NoError(t, err)
	require.True(t, data.DeviceExists)
	require.Equal(t, "ABC123", s.SelectedDeviceID())
	require.True(t, s.HasSelection())
	require.Equal(t, 6, s.DeviceInfo().MeasuresCount)
	require.Len(t, *events, 1)
	require.Equal(t, DeviceSelected, (*events)[0].Kind)
	require.Equal(t, "ABC123", (*events)[0].DeviceID)
}

func TestSelectFailureKeepsState(t *testing.T) {
	backend := &fakeBackend{selectErr: &remote.NetworkError{Op: "select_device", Status: 500}}
	s := New(backend)
	events, _ := collect(s)

	_, err := s.SelectDevice(context.Background(), "ABC")
	require.Error(t, err)
	require.Equal(t, 500, remote.StatusCode(err))
	require.False(t, s.HasSelection())
	require.Empty(t, *events)
}

func TestLastIssuedSelectWins(t *testing.T) {
	backend := &fakeBackend{gates: map[string]chan struct{}{"A": make(chan struct{})}}
	s := New(backend)
	events, mu := collect(s)

	staleErr := make(chan error, 1)
	go func() {
		data, err := s.SelectDevice(context.Background(), "A")
		if data == nil || data.SelectedDeviceID != "A" {
			err = errors.New("stale result not returned")
		}
		staleErr <- err
	}()
	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.selectCalls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := s.SelectDevice(context.Background(), "B")
	require.NoError(t, err)
	close(backend.gates["A"])
	require.ErrorIs(t, <-staleErr, ErrSuperseded)

	require.Equal(t, "B", s.SelectedDeviceID())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *events, 1)
	require.Equal(t, "B", (*events)[0].DeviceID)
}

func TestSwitchingDeviceOnParametersViewDisablesServiceMode(t *testing.T) {
	backend := &fakeBackend{enabled: true}
	active := true
	s := New(backend, WithParametersViewActive(func() bool { return active }))

	_, err := s.SelectDevice(context.Background(), "A")
	require.NoError(t, err)
	require.Zero(t, backend.statusCalls)

	_, err = s.SelectDevice(context.Background(), "A")
	require.NoError(t, err)
	require.Zero(t, backend.statusCalls)

	_, err = s.SelectDevice(context.Background(), "B")
	require.NoError(t, err)
	require.Equal(t, 1, backend.statusCalls)
	require.Equal(t, []bool{false}, backend.toggles)

	active = false
	_, err = s.SelectDevice(context.Background(), "C")
	require.NoError(t, err)
	require.Equal(t, 1, backend.statusCalls)
}

func TestCurrentSelectionIsSilent(t *testing.T) {
	s := New(&fakeBackend{})
	events, _ := collect(s)
	_, err := s.CurrentSelection(context.Background())
	require.NoError(t, err)
	require.Equal(t, "SRV1", s.SelectedDeviceID())
	require.Empty(t, *events)
}

func TestClearSelection(t *testing.T) {
	s := New(&fakeBackend{})
	_, err := s.SelectDevice(context.Background(), "A")
	require.NoError(t, err)
	events, _ := collect(s)

	_, err = s.ClearSelection(context.Background())
	require.NoError(t, err)
	require.False(t, s.HasSelection())
	require.Nil(t, s.DeviceInfo())
	require.Len(t, *events, 1)
	require.Equal(t, DeviceDeselected, (*events)[0].Kind)
}

func TestUnsubscribe(t *testing.T) {
	s := New(&fakeBackend{})
	calls := 0
	cancel := s.Subscribe(func(Event) { calls++ })
	cancel()
	_, err := s.SelectDevice(context.Background(), "A")
	require.NoError(t, err)
	require.Zero(t, calls)
}
