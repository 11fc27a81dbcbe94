package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/massensors/beltconsole/period"
	"github.com/massensors/beltconsole/remote"
	"github.com/massensors/beltconsole/selection"
)

func lastEntry(t *testing.T, c *Console) ActivityEntry {
	t.Helper()
	entries := c.Activity().Entries()
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

func selectDevice(t *testing.T, c *Console, id string) {
	t.Helper()
	_, err := c.SelectDevice(context.Background(), id)
	require.NoError(t, err)
}

func TestValidationNeverReachesNetwork(t *testing.T) {
	api := newFakeAPI()
	c := newTestConsole(t, api)
	ctx := context.Background()

	_, err := c.SelectDevice(ctx, "   ")
	require.True(t, remote.IsValidation(err))
	require.Zero(t, api.count("select"))
	require.Equal(t, LevelWarning, lastEntry(t, c).Level)

	_, err = c.UpdateParameter(ctx, 2, "100")
	require.True(t, remote.IsValidation(err))
	require.Contains(t, lastEntry(t, c).Message, "no device selected")

	selectDevice(t, c, "dev1")
	_, err = c.UpdateParameter(ctx, 1, "12")
	require.True(t, remote.IsValidation(err))
	_, err = c.UpdateParameter(ctx, 2, "123456789")
	require.True(t, remote.IsValidation(err))
	_, err = c.UpdateParameter(ctx, 99, "1")
	require.True(t, remote.IsValidation(err))
	require.Zero(t, api.count("update_parameter"))

	_, err = c.UpdateAlias(ctx, "color", "red")
	require.True(t, remote.IsValidation(err))
	require.Zero(t, api.count("update_alias"))

	_, err = c.SearchDevices(ctx, remote.AliasQuery{})
	require.True(t, remote.IsValidation(err))
	require.Zero(t, api.count("search"))

	require.Len(t, c.Activity().Entries(), 8)
}

func TestEveryActionLogsExactlyOnce(t *testing.T) {
	api := newFakeAPI()
	api.measurements = []remote.Measurement{{CurrentTime: "2024-03-01 08:00:00", Speed: "1.2", Rate: "10", Total: "100"}}
	c := newTestConsole(t, api)
	ctx := context.Background()

	actions := []func() error{
		func() error { _, err := c.SelectDevice(ctx, "dev1"); return err },
		func() error { _, err := c.CurrentSelection(ctx); return err },
		func() error { _, err := c.LoadParameters(ctx); return err },
		func() error { _, err := c.UpdateParameter(ctx, 2, "2000"); return err },
		func() error { _, err := c.LoadAliases(ctx); return err },
		func() error { _, err := c.UpdateAlias(ctx, "company", "Acme 2"); return err },
		func() error { _, err := c.LoadMeasurements(ctx); return err },
		func() error { _, err := c.LoadFiltered(ctx); return err },
		func() error { _, err := c.LoadRateChart(ctx); return err },
		func() error { _, err := c.LoadIncrementalChart(ctx); return err },
		func() error { _, err := c.DownloadReport(ctx); return err },
		func() error { _, err := c.ToggleServiceMode(ctx, true); return err },
		func() error { _, _, err := c.ServiceModeStatus(ctx); return err },
		func() error { _, err := c.MachineState(ctx); return err },
		func() error { _, err := c.SetPeriod("previous_year"); return err },
		func() error { _, err := c.SetPeriod("custom"); return err },
		func() error { _, err := c.SetCustomDate(period.End, "2023-06-30"); return err },
		func() error { _, err := c.SearchDevices(ctx, remote.AliasQuery{Company: "Acme"}); return err },
		func() error { _, err := c.LoadDevices(ctx); return err },
		func() error { _, err := c.ClearSelection(ctx); return err },
	}
	for i, action := range actions {
		require.NoError(t, action(), "action %d", i)
		require.Equal(t, i+1, c.Activity().Len(), "action %d", i)
	}
}

func TestSelectionChangeDropsCaches(t *testing.T) {
	api := newFakeAPI()
	c := newTestConsole(t, api)
	ctx := context.Background()

	selectDevice(t, c, "dev1")
	_, err := c.LoadParameters(ctx)
	require.NoError(t, err)
	_, err = c.LoadAliases(ctx)
	require.NoError(t, err)
	require.NotNil(t, c.CachedParameters())
	require.NotNil(t, c.CachedAliases())

	selectDevice(t, c, "dev2")
	require.Nil(t, c.CachedParameters())
	require.Nil(t, c.CachedAliases())
	require.Equal(t, "dev2", c.State().SelectedDevice)
}

func TestSupersededSelectIsNotLoggedAsSuccess(t *testing.T) {
	api := newFakeAPI()
	api.selectGates = map[string]chan struct{}{"A": make(chan struct{})}
	c := newTestConsole(t, api)
	ctx := context.Background()

	staleErr := make(chan error, 1)
	go func() {
		_, err := c.SelectDevice(ctx, "A")
		staleErr <- err
	}()
	require.Eventually(t, func() bool { return api.count("select") == 1 }, time.Second, time.Millisecond)

	selectDevice(t, c, "B")
	close(api.selectGates["A"])
	require.ErrorIs(t, <-staleErr, selection.ErrSuperseded)

	require.Equal(t, "B", c.Selection().SelectedDeviceID())
	entries := c.Activity().Entries()
	require.Len(t, entries, 2)
	require.Equal(t, LevelSuccess, entries[0].Level)
	require.Equal(t, "Selected device B", entries[0].Message)
	require.Equal(t, LevelWarning, entries[1].Level)
	require.Contains(t, entries[1].Message, "Select device A: superseded")
	require.Contains(t, entries[1].Message, "selected device is B")
}

func TestUpdateParameterAppliesOptimistically(t *testing.T) {
	api := newFakeAPI()
	c := newTestConsole(t, api)
	ctx := context.Background()

	selectDevice(t, c, "dev1")
	_, err := c.LoadParameters(ctx)
	require.NoError(t, err)

	_, err = c.UpdateParameter(ctx, 2, " 2000 ")
	require.NoError(t, err)
	require.Equal(t, remote.Text("2000"), c.CachedParameters().Parameters["2"].Value)
	entry := lastEntry(t, c)
	require.Equal(t, LevelSuccess, entry.Level)
	require.Equal(t, "Parameter scaleCapacity set to 2000", entry.Message)
}

func TestUpdateParameterRollsBackOnFailure(t *testing.T) {
	api := newFakeAPI()
	api.fail("update_parameter", &remote.NetworkError{Op: "update_parameter", Status: 500, Message: "device timeout"})
	c := newTestConsole(t, api)
	ctx := context.Background()

	selectDevice(t, c, "dev1")
	_, err := c.LoadParameters(ctx)
	require.NoError(t, err)

	_, err = c.UpdateParameter(ctx, 2, "2000")
	require.Error(t, err)
	require.Equal(t, 500, remote.StatusCode(err))
	require.Equal(t, remote.Text("1000"), c.CachedParameters().Parameters["2"].Value)

	_, err = c.UpdateParameter(ctx, 5, "4")
	require.Error(t, err)
	_, ok := c.CachedParameters().Parameters["5"]
	require.False(t, ok)
	require.Equal(t, LevelError, lastEntry(t, c).Level)
}

func TestUpdateAliasRollsBackOnFailure(t *testing.T) {
	api := newFakeAPI()
	c := newTestConsole(t, api)
	ctx := context.Background()

	selectDevice(t, c, "dev1")
	_, err := c.LoadAliases(ctx)
	require.NoError(t, err)

	_, err = c.UpdateAlias(ctx, "ProductName", "Sand")
	require.NoError(t, err)
	require.Equal(t, remote.Text("Sand"), c.CachedAliases().ProductName)

	api.fail("update_alias", &remote.NetworkError{Op: "update_alias", Status: 502})
	_, err = c.UpdateAlias(ctx, "company", "Other")
	require.Error(t, err)
	require.Equal(t, remote.Text("Acme"), c.CachedAliases().Company)
}

func TestToggleServiceModeRequiresSelection(t *testing.T) {
	api := newFakeAPI()
	c := newTestConsole(t, api)

	_, err := c.ToggleServiceMode(context.Background(), true)
	require.True(t, remote.IsValidation(err))
	require.Zero(t, api.count("toggle"))
}

func TestToggleServiceModeIsOptimisticAndRollsBack(t *testing.T) {
	api := newFakeAPI()
	gate := make(chan struct{})
	api.toggleGate = gate
	api.fail("toggle", &remote.NetworkError{Op: "service_mode_toggle", Err: context.DeadlineExceeded})
	c := newTestConsole(t, api)
	selectDevice(t, c, "dev1")

	done := make(chan error, 1)
	go func() {
		_, err := c.ToggleServiceMode(context.Background(), true)
		done <- err
	}()

	require.Eventually(t, func() bool {
		st := c.State().ServiceMode
		return st != nil && st.Enabled
	}, time.Second, time.Millisecond)

	// The poller must not overwrite the optimistic state while the toggle runs.
	c.onServiceMode(pollerResult(&remote.ServiceModeStatus{Enabled: false}))
	require.True(t, c.State().ServiceMode.Enabled)

	close(gate)
	require.Error(t, <-done)
	require.Nil(t, c.State().ServiceMode)
	require.Equal(t, StatusInactive, c.State().ServiceModeClass)
	st := pollsByName(c.PollStatuses())[pollServiceMode]
	require.Equal(t, "Błąd komunikacji", st.Message)
	require.False(t, st.OK)
	require.True(t, strings.HasPrefix(st.Error, "toggle service mode: communication failure: "), st.Error)
	require.Equal(t, LevelError, lastEntry(t, c).Level)
}

func TestToggleServiceModeLogsOutcome(t *testing.T) {
	api := newFakeAPI()
	c := newTestConsole(t, api)
	ctx := context.Background()
	selectDevice(t, c, "dev1")

	status, err := c.ToggleServiceMode(ctx, true)
	require.NoError(t, err)
	require.True(t, status.Enabled)
	entry := lastEntry(t, c)
	require.Equal(t, LevelSuccess, entry.Level)
	require.Equal(t, "Service mode ON - Tryb serwisowy aktywny", entry.Message)
	require.Equal(t, StatusActive, c.State().ServiceModeClass)

	_, err = c.ToggleServiceMode(ctx, false)
	require.NoError(t, err)
	entry = lastEntry(t, c)
	require.Equal(t, LevelInfo, entry.Level)
	require.Equal(t, "Service mode OFF - Tryb serwisowy nieaktywny", entry.Message)
	require.Equal(t, StatusError, c.State().ServiceModeClass)
}

func TestAuthErrorTakesPrecedence(t *testing.T) {
	api := newFakeAPI()
	api.fail("parameters", &remote.AuthError{Network: &remote.NetworkError{Op: "parameters", Status: 401}})
	c := newTestConsole(t, api)
	ctx := context.Background()
	selectDevice(t, c, "dev1")

	_, err := c.LoadParameters(ctx)
	require.True(t, remote.IsAuth(err))
	require.True(t, c.LoginRequired())
	entry := lastEntry(t, c)
	require.Equal(t, LevelError, entry.Level)
	require.Equal(t, "Load parameters: login required", entry.Message)

	_, err = c.LoadAliases(ctx)
	require.NoError(t, err)
	require.False(t, c.LoginRequired())
}

func TestIncompleteCustomPeriodIsNotSent(t *testing.T) {
	api := newFakeAPI()
	c := newTestConsole(t, api)
	ctx := context.Background()

	_, err := c.SetPeriod("custom")
	require.NoError(t, err)
	desc, err := c.SetCustomDate(period.Start, "")
	require.NoError(t, err)
	require.False(t, desc.Valid())
	require.Equal(t, LevelWarning, lastEntry(t, c).Level)

	for _, load := range []func() error{
		func() error { _, err := c.LoadFiltered(ctx); return err },
		func() error { _, err := c.LoadRateChart(ctx); return err },
		func() error { _, err := c.LoadIncrementalChart(ctx); return err },
		func() error { _, err := c.DownloadReport(ctx); return err },
	} {
		require.True(t, remote.IsValidation(load()))
		require.Equal(t, LevelWarning, lastEntry(t, c).Level)
	}
	require.Zero(t, api.count("filtered"))
	require.Zero(t, api.count("rate_chart"))
	require.Zero(t, api.count("incremental_chart"))
	require.Zero(t, api.count("report"))

	_, err = c.SetCustomDate(period.Start, "2024-01-01")
	require.NoError(t, err)
	_, err = c.SetCustomDate(period.End, "2024-01-10")
	require.NoError(t, err)
	list, err := c.LoadFiltered(ctx)
	require.NoError(t, err)
	require.Equal(t, 800, list.Limit)
	require.Equal(t, "2024-01-01", api.lastPeriod.StartDateFormatted)
	require.Equal(t, "2024-01-10", api.lastPeriod.EndDateFormatted)
}

func TestSetCustomDateRequiresCustomPeriod(t *testing.T) {
	c := newTestConsole(t, newFakeAPI())

	_, err := c.SetCustomDate(period.Start, "2024-01-01")
	require.True(t, remote.IsValidation(err))
	require.Contains(t, lastEntry(t, c).Message, "switch to the custom period first")

	_, err = c.SetPeriod("custom")
	require.NoError(t, err)
	_, err = c.SetCustomDate(period.Start, "2024-13-01")
	require.True(t, remote.IsValidation(err))

	_, err = c.SetPeriod("weekly")
	require.True(t, remote.IsValidation(err))
}

func TestLoadFilteredSummarises(t *testing.T) {
	api := newFakeAPI()
	api.measurements = []remote.Measurement{
		{CurrentTime: "2024-03-01 08:30:00", Speed: "0", Rate: "0", Total: "110"},
		{CurrentTime: "2024-03-01 08:00:00", Speed: "1.5", Rate: "20", Total: "100"},
		{CurrentTime: "2024-03-01 07:00:00", Speed: "0.5", Rate: "10", Total: "90"},
	}
	c := newTestConsole(t, api)

	list, err := c.LoadFiltered(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Rows, 3)
	require.Equal(t, "2024-03-01 08:30:00", list.Rows[0].Time)
	require.Equal(t, 3, list.Summary.Count)
	require.Equal(t, "1.50", list.Summary.MaxSpeed)
	require.Equal(t, "10.00", list.Summary.AvgRate)
	require.Equal(t, "1h 30m", list.Summary.WorkingTime)
	require.Equal(t, 1000, list.Limit)
}

func TestSaveReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	path, err := SaveReport(&remote.Report{Filename: "../escape.csv", Content: []byte("x;y\n")}, dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "escape.csv"), path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "x;y\n", string(raw))

	path, err = SaveReport(&remote.Report{Content: []byte("z")}, dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "raport.csv"), path)

	_, err = SaveReport(nil, dir)
	require.Error(t, err)
}
