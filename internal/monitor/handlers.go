package monitor

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eventd/internal/storage"
	"eventd/internal/telemetry"
	logx "eventd/pkg/logx"
)

const defaultLogLimit = 50

// Handler builds the mux for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.handler(cur)
}

func (s *Service) handler(cur Config) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /telemetry", auth(s.handleTelemetry))
	mux.HandleFunc("GET /journal", auth(s.handleJournal))
	mux.Handle("GET /metrics", auth(promhttp.HandlerFor(newRegistry(s.src), promhttp.HandlerOpts{}).ServeHTTP))
	mux.HandleFunc("POST /control/max-runtime", auth(s.handleMaxRuntime))
	mux.HandleFunc("POST /control/stop", auth(s.handleStop))

	if cur.Pprof {
		mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	}
	return mux
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Debug("monitor write failed", logx.Err(err))
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func intParam(r *http.Request, key string, def int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		raw = strings.TrimSpace(r.PostFormValue(key))
	}
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func (s *Service) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "log", defaultLogLimit)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "log must be an integer")
		return
	}
	out := map[string]any{}
	if s.src.Station != nil {
		out["station"] = s.src.Station.Snapshot(limit)
	}
	if s.src.Dispatcher != nil {
		out["dispatcher"] = s.src.Dispatcher.Snapshot()
	}
	if s.src.Extra != nil {
		for k, v := range s.src.Extra() {
			out[k] = v
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleJournal accepts kind, limit and since (RFC 3339 or a Go duration
// counted back from now).
func (s *Service) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.src.Journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit, ok := intParam(r, "limit", 100)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	q := storage.Query{Kind: storage.Kind(r.URL.Query().Get("kind")), Limit: limit}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			q.Since = t
		} else if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			q.Since = time.Now().Add(-d)
		} else {
			s.writeError(w, http.StatusBadRequest, "since must be RFC 3339 or a duration")
			return
		}
	}
	recs, err := s.src.Journal.Recent(r.Context(), q)
	if err != nil {
		s.log.Warn("journal query failed", logx.Err(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Service) handleMaxRuntime(w http.ResponseWriter, r *http.Request) {
	if s.src.Station == nil {
		s.writeError(w, http.StatusServiceUnavailable, "station unavailable")
		return
	}
	secs, ok := intParam(r, "seconds", -1)
	if !ok || secs < 0 {
		s.writeError(w, http.StatusBadRequest, "seconds must be a non-negative integer")
		return
	}
	s.src.Station.SetMaxThreadRuntime(int64(secs))
	s.log.Info("max thread runtime set", logx.Int("seconds", secs), logx.String("remote", r.RemoteAddr))
	s.writeJSON(w, http.StatusOK, map[string]int64{"max_thread_runtime_s": s.src.Station.MaxThreadRuntime()})
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	st := s.src.Station
	if st == nil {
		s.writeError(w, http.StatusServiceUnavailable, "station unavailable")
		return
	}
	decision := st.RequestStop()
	s.log.Warn("stop requested",
		logx.String("decision", decision.String()),
		logx.Int("active", st.ActiveThreads()),
		logx.String("remote", r.RemoteAddr),
	)
	status := http.StatusAccepted
	if decision == telemetry.StopImmediate {
		status = http.StatusOK
	}
	s.writeJSON(w, status, map[string]any{"decision": decision.String(), "active": st.ActiveThreads()})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}
