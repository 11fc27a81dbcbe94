package service

import (
	"bytes"
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/massensors/beltconsole/period"
	"github.com/massensors/beltconsole/remote"
)

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLiveViewIndexAndState(t *testing.T) {
	c := newTestConsole(t, newFakeAPI())
	h := c.Handler()

	rec := doRequest(t, h, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Belt Scale Console")

	rec = doRequest(t, h, http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, ViewDevices, st.View)
	require.Equal(t, 1000, st.SamplingLimit)

	rec = doRequest(t, h, http.MethodPost, "/api/state", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLiveViewSelectionFlow(t *testing.T) {
	api := newFakeAPI()
	c := newTestConsole(t, api)
	h := c.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/selection", map[string]string{"device_id": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/selection", map[string]string{"device_id": "dev1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "dev1", c.Selection().SelectedDeviceID())

	rec = doRequest(t, h, http.MethodGet, "/api/devices/dev2/parameters", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/devices/dev1/parameters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var params remote.Parameters
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &params))
	require.Equal(t, remote.Text("1000"), params.Parameters["2"].Value)

	rec = doRequest(t, h, http.MethodPut, "/api/devices/dev1/parameters/2", map[string]string{"value": "2500"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h, http.MethodPut, "/api/devices/dev1/parameters/x", map[string]string{"value": "1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodDelete, "/api/selection", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, c.Selection().HasSelection())
}

func TestLiveViewErrorMapping(t *testing.T) {
	api := newFakeAPI()
	c := newTestConsole(t, api)
	h := c.Handler()
	doRequest(t, h, http.MethodPost, "/api/selection", map[string]string{"device_id": "dev1"})

	api.fail("parameters", &remote.AuthError{Network: &remote.NetworkError{Op: "parameters", Status: 403}})
	rec := doRequest(t, h, http.MethodGet, "/api/devices/dev1/parameters", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	api.fail("rate_chart", &remote.NetworkError{Op: "rate_chart", Status: 500})
	rec = doRequest(t, h, http.MethodGet, "/api/charts/rate", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/charts/pie", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/service-mode", strings.NewReader("{"))
	recorder := httptest.NewRecorder()
	h.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/service-mode", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLiveViewPeriodAndCharts(t *testing.T) {
	api := newFakeAPI()
	c := newTestConsole(t, api)
	h := c.Handler()

	start, end := "2024-01-01", "2024-01-10"
	rec := doRequest(t, h, http.MethodPost, "/api/period", map[string]interface{}{"type": "custom", "start_date": start, "end_date": end})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp periodResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Valid)
	require.Equal(t, 800, resp.SamplingLimit)

	rec = doRequest(t, h, http.MethodGet, "/api/charts/rate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var series RateSeries
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	require.Equal(t, []string{"01.01", "", "02.01"}, series.Labels)

	rec = doRequest(t, h, http.MethodGet, "/api/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "raport_dev1.csv")

	rec = doRequest(t, h, http.MethodPost, "/api/period", map[string]interface{}{"start_date": ""})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h, http.MethodGet, "/api/measurements/filtered", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, api.count("filtered"))

	rec = doRequest(t, h, http.MethodGet, "/api/activity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []ActivityEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Equal(t, LevelWarning, entries[len(entries)-1].Level)
}

func TestLiveViewPeriodChangeLogsOnce(t *testing.T) {
	c := newTestConsole(t, newFakeAPI())
	h := c.Handler()

	before := c.Activity().Len()
	rec := doRequest(t, h, http.MethodPost, "/api/period", map[string]interface{}{"type": "custom", "start_date": "2024-01-01", "end_date": "2024-01-10"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, before+1, c.Activity().Len())
	entry := c.Activity().Entries()[before]
	require.Equal(t, LevelInfo, entry.Level)
	require.Equal(t, "Period set to Custom period (2024-01-01 - 2024-01-10)", entry.Message)

	rec = doRequest(t, h, http.MethodPost, "/api/period", map[string]interface{}{"type": "current_year", "start_date": "2024-02-01"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, before+2, c.Activity().Len())
	require.Equal(t, period.Custom, c.Period().Category())

	rec = doRequest(t, h, http.MethodPost, "/api/period", map[string]interface{}{"type": "previous_year"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/api/period", map[string]interface{}{"start_date": "2023-05-01", "end_date": "2023-05-31"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, before+4, c.Activity().Len())
	var resp periodResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Valid)
	require.Equal(t, period.Custom, resp.Period.Category)
}

func TestLiveViewViewSwitchAndUnload(t *testing.T) {
	api := newFakeAPI()
	c := newTestConsole(t, api)
	h := c.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/view", map[string]string{"view": "readings"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ViewReadings, c.ActiveView())
	require.Equal(t, 1, api.count("activate"))

	rec = doRequest(t, h, http.MethodPost, "/api/view", map[string]string{"view": "nowhere"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/unload", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Eventually(t, func() bool { return api.count("deactivate") == 1 }, time.Second, time.Millisecond)
}

func TestLiveViewWebsocketPushesActivity(t *testing.T) {
	c := newTestConsole(t, newFakeAPI())
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var initial Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&initial))
	require.Equal(t, "state", initial.Type)

	require.Eventually(t, func() bool { return c.hub.clientCount() == 1 }, time.Second, time.Millisecond)
	_, err = c.SetPeriod("previous_month")
	require.NoError(t, err)

	var ev struct {
		Type string        `json:"type"`
		Data ActivityEntry `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, eventActivity, ev.Type)
	require.Contains(t, ev.Data.Message, "Previous month")
}

func TestLiveViewWebsocketRejectsForeignOrigin(t *testing.T) {
	c := newTestConsole(t, newFakeAPI())
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {srv.URL}})
	require.NoError(t, err)
	conn.Close()
}

func TestLiveViewReportDispositionIsQuoted(t *testing.T) {
	api := newFakeAPI()
	api.reportName = `raport "hala 2".csv`
	c := newTestConsole(t, api)
	_, err := c.SelectDevice(context.Background(), "dev1")
	require.NoError(t, err)

	rec := doRequest(t, c.Handler(), http.MethodGet, "/api/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	kind, params, err := mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	require.Equal(t, "attachment", kind)
	require.Equal(t, `raport "hala 2".csv`, params["filename"])
}

func TestEnableLiveViewServes(t *testing.T) {
	c := newTestConsole(t, newFakeAPI())
	require.NoError(t, c.EnableLiveView("127.0.0.1:0"))
	require.Error(t, c.EnableLiveView("127.0.0.1:0"))

	resp, err := http.Get("http://" + c.LiveViewAddress() + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
