package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/jpillora/requestlog"
	"github.com/matst80/backhaul/internal/forward"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
	"github.com/matst80/backhaul/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PublicHandler serves inbound traffic for clients plus the WebSocket
// control and data endpoints.
func (s *Server) PublicHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(proto.ControlPath, s.ControlHandler())
	mux.Handle(proto.DataPath, s.DataHandler())
	mux.Handle("/", s.adapter)
	if s.cfg.Debug {
		return requestlog.Wrap(mux)
	}
	return mux
}

// AdminHandler serves Prometheus metrics plus health, state and dashboard.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/_backhaul/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Stats())
	})
	mux.HandleFunc("/_backhaul/dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard.html", s.Stats().ToTemplateMap()); err != nil {
			obs.Error("web.render", obs.Fields{"page": "dashboard", "err": err.Error()})
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.closing.Load() || !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

func badGateway(w http.ResponseWriter, r *http.Request, err error) {
	obs.Debug("forward.upstream", obs.Fields{"host": r.Host, "path": r.URL.Path, "err": err.Error()})
	forward.WritePage(w, http.StatusBadGateway, "badgateway.html", map[string]any{
		"Title":  "Bad gateway",
		"Name":   r.Host,
		"Reason": "the client's target did not answer",
	})
}
