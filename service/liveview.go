package service

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/massensors/beltconsole/period"
	"github.com/massensors/beltconsole/remote"
	"github.com/massensors/beltconsole/selection"
)

type liveViewServer struct {
	logger  zerolog.Logger
	console *Console
	server  *http.Server
	ln      net.Listener
}

type viewRequest struct {
	View    string `json:"view"`
	Visible *bool  `json:"visible"`
}

type selectionRequest struct {
	DeviceID string `json:"device_id"`
}

type periodRequest struct {
	Type      string  `json:"type"`
	StartDate *string `json:"start_date"`
	EndDate   *string `json:"end_date"`
}

type parameterRequest struct {
	Value string `json:"value"`
}

type serviceModeRequest struct {
	Enabled *bool `json:"enabled"`
}

type periodResponse struct {
	Period        period.Descriptor `json:"period"`
	Label         string            `json:"label"`
	Valid         bool              `json:"valid"`
	SamplingLimit int               `json:"sampling_limit"`
}

// Handler returns the live view routes without starting a server.
func (c *Console) Handler() http.Handler {
	s := &liveViewServer{logger: c.logger.With().Str("component", "live_view").Logger(), console: c}
	return s.router()
}

func (s *liveViewServer) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/view", s.handleView)
		r.Post("/unload", s.handleUnload)
		r.Post("/selection", s.handleSelect)
		r.Delete("/selection", s.handleClear)
		r.Post("/period", s.handlePeriod)
		r.Get("/devices/{id}/parameters", s.handleParameters)
		r.Put("/devices/{id}/parameters/{address}", s.handleParameterUpdate)
		r.Post("/service-mode", s.handleServiceMode)
		r.Get("/measurements/filtered", s.handleFiltered)
		r.Get("/charts/{kind}", s.handleChart)
		r.Get("/report", s.handleReport)
		r.Get("/activity", s.handleActivity)
	})
	return r
}

func newLiveViewServer(listen string, console *Console, logger zerolog.Logger) (*liveViewServer, error) {
	server := &liveViewServer{logger: logger, console: console}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: server.router(), ReadHeaderTimeout: 10 * time.Second}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("live view server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("live view started")
	return server, nil
}

func (s *liveViewServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encode live view response")
	}
}

func (s *liveViewServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var netErr *remote.NetworkError
	switch {
	case remote.IsAuth(err):
		status = http.StatusUnauthorized
	case remote.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, selection.ErrSuperseded):
		status = http.StatusConflict
	case errors.As(err, &netErr):
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &remote.ValidationError{Field: "body", Message: "invalid request"}
	}
	return nil
}

func (s *liveViewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := liveViewTemplate.Execute(w, nil); err != nil {
		s.logger.Error().Err(err).Msg("render live view page")
	}
}

func (s *liveViewServer) handleWS(w http.ResponseWriter, r *http.Request) {
	initial := Event{Type: "state", Time: s.console.now(), Data: s.console.State()}
	s.console.hub.serveWS(w, r, initial)
}

func (s *liveViewServer) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.console.State())
}

func (s *liveViewServer) handleView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.View != "" {
		view, err := ParseView(req.View)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.console.SetActiveView(r.Context(), view); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.Visible != nil {
		s.console.SetPageVisible(*req.Visible)
	}
	s.writeJSON(w, http.StatusOK, s.console.State())
}

func (s *liveViewServer) handleUnload(w http.ResponseWriter, r *http.Request) {
	s.console.Unload()
	w.WriteHeader(http.StatusNoContent)
}

func (s *liveViewServer) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	data, err := s.console.SelectDevice(r.Context(), req.DeviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *liveViewServer) handleClear(w http.ResponseWriter, r *http.Request) {
	res, err := s.console.ClearSelection(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *liveViewServer) handlePeriod(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	desc, err := s.console.ApplyPeriod(req.Type, req.StartDate, req.EndDate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, periodResponse{
		Period:        desc,
		Label:         desc.Label(),
		Valid:         desc.Valid(),
		SamplingLimit: period.CalculateLimit(&desc),
	})
}

// requireSelected rejects requests for a device other than the selected one.
func (s *liveViewServer) requireSelected(w http.ResponseWriter, r *http.Request) bool {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if selected := s.console.Selection().SelectedDeviceID(); id != selected {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "device " + id + " is not selected"})
		return false
	}
	return true
}

func (s *liveViewServer) handleParameters(w http.ResponseWriter, r *http.Request) {
	if !s.requireSelected(w, r) {
		return
	}
	params, err := s.console.LoadParameters(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, params)
}

func (s *liveViewServer) handleParameterUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.requireSelected(w, r) {
		return
	}
	address, err := strconv.Atoi(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, &remote.ValidationError{Field: "address", Message: "address must be a number"})
		return
	}
	var req parameterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.console.UpdateParameter(r.Context(), address, req.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *liveViewServer) handleServiceMode(w http.ResponseWriter, r *http.Request) {
	var req serviceModeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Enabled == nil {
		s.writeError(w, &remote.ValidationError{Field: "enabled", Message: "enabled flag required"})
		return
	}
	status, err := s.console.ToggleServiceMode(r.Context(), *req.Enabled)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *liveViewServer) handleFiltered(w http.ResponseWriter, r *http.Request) {
	list, err := s.console.LoadFiltered(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *liveViewServer) handleChart(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "kind") {
	case "rate":
		series, err := s.console.LoadRateChart(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, series)
	case "incremental":
		series, err := s.console.LoadIncrementalChart(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, series)
	default:
		http.NotFound(w, r)
	}
}

func (s *liveViewServer) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.console.DownloadReport(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	contentType := report.ContentType
	if contentType == "" {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": report.Filename})
	if disposition == "" {
		disposition = mime.FormatMediaType("attachment", map[string]string{"filename": remote.DefaultReportName})
	}
	w.Header().Set("Content-Disposition", disposition)
	if _, err := w.Write(report.Content); err != nil {
		s.logger.Error().Err(err).Msg("write report")
	}
}

func (s *liveViewServer) handleActivity(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.console.Activity().Entries())
}

func (s *liveViewServer) close() {
	if s == nil || s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && err != context.Canceled {
		s.logger.Error().Err(err).Msg("shutdown live view")
	}
}

var liveViewTemplate = template.Must(template.New("liveview").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Belt Scale Console</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem; background: #f7f7f7; color: #222; }
h1 { margin-bottom: 1rem; }
section { background: #fff; border-radius: 6px; padding: 1rem; margin-bottom: 1rem; box-shadow: 0 1px 2px rgba(0,0,0,0.1); }
.status { display: inline-block; padding: 0.2rem 0.6rem; border-radius: 4px; }
.status.active { background: #d4edda; }
.status.warning { background: #fff3cd; }
.status.error { background: #f8d7da; }
.status.inactive { background: #e2e3e5; }
#activity li.error { color: #a00; }
#activity li.warning { color: #a60; }
#activity li.success { color: #070; }
</style>
</head>
<body>
<h1>Belt Scale Console</h1>
<section>
  <div>Device: <strong id="device">-</strong> <span id="login"></span></div>
  <div>Period: <span id="period">-</span> (limit <span id="limit">-</span>)</div>
  <div>Service mode: <span id="service" class="status inactive">-</span></div>
</section>
<section>
  <h2>Pollers</h2>
  <ul id="polls"></ul>
</section>
<section>
  <h2>Activity</h2>
  <ul id="activity"></ul>
</section>
<script>
function renderState(state) {
  document.getElementById('device').textContent = state.selected_device || '-';
  document.getElementById('period').textContent = state.period_label;
  document.getElementById('limit').textContent = state.sampling_limit;
  document.getElementById('login').textContent = state.login_required ? 'login required' : '';
  var svc = document.getElementById('service');
  svc.className = 'status ' + state.service_mode_class;
  svc.textContent = state.service_mode ? (state.service_mode.status_message || state.service_mode_class) : '-';
  renderPolls(state.polls || []);
}
function renderPolls(polls) {
  var list = document.getElementById('polls');
  list.innerHTML = '';
  polls.forEach(function(p) {
    var li = document.createElement('li');
    li.textContent = p.name + ': ' + (p.active ? 'running' : 'idle') + (p.message ? ' (' + p.message + ')' : '');
    list.appendChild(li);
  });
}
function addActivity(entry) {
  var li = document.createElement('li');
  li.className = entry.level;
  li.textContent = new Date(entry.time).toLocaleTimeString() + ' ' + entry.message;
  var list = document.getElementById('activity');
  list.insertBefore(li, list.firstChild);
}
function refresh() {
  fetch('/api/state').then(function(r) { return r.json(); }).then(renderState);
}
fetch('/api/activity').then(function(r) { return r.json(); }).then(function(entries) { entries.forEach(addActivity); });
var ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
ws.onmessage = function(msg) {
  var ev = JSON.parse(msg.data);
  if (ev.type === 'state') { renderState(ev.data); return; }
  if (ev.type === 'activity') { addActivity(ev.data); }
  refresh();
};
document.addEventListener('visibilitychange', function() {
  fetch('/api/view', {method: 'POST', headers: {'Content-Type': 'application/json'}, body: JSON.stringify({visible: !document.hidden})});
});
window.addEventListener('beforeunload', function() { navigator.sendBeacon('/api/unload'); });
refresh();
</script>
</body>
</html>
`))
