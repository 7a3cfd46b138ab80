// Package monitor serves the tracker's HTTP status surface: liveness,
// health, the latest tracks, a frequency chart and the websocket stream.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/rasberry/tracking/internal/httputil"
	"github.com/rasberry/tracking/internal/monitoring"
	"github.com/rasberry/tracking/internal/publish"
	"github.com/rasberry/tracking/internal/tracking"
	"github.com/rasberry/tracking/internal/version"
)

// DegradedRatio is the fraction of the target frequency below which a
// full measurement window reports the tracker as degraded.
const DegradedRatio = 0.8

// Source is the tracker state the server reports on.
type Source interface {
	Health() tracking.Status
	LastOutput() (tracking.Output, bool)
	Reset(reason string)
}

// Server is the HTTP status server.
type Server struct {
	src     Source
	stream  http.Handler
	mux     *http.ServeMux
	srv     *http.Server
	started time.Time
}

// NewServer builds the routes. stream serves /ws and may be nil.
func NewServer(src Source, stream http.Handler) *Server {
	s := &Server{src: src, stream: stream, mux: http.NewServeMux(), started: time.Now()}
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/tracks", s.handleTracks)
	s.mux.HandleFunc("/api/reset", s.handleReset)
	s.mux.HandleFunc("/debug/frequency", s.handleFrequencyChart)
	if stream != nil {
		s.mux.Handle("/ws", stream)
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.srv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	monitoring.Diagf("[HTTP] serving on http://%s", lis.Addr())

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(lis) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			monitoring.Opsf("[HTTP] shutdown: %v", err)
		}
		return nil
	}
}

func degraded(st tracking.Status) bool {
	return st.WindowFull && st.MeasuredHz < st.TargetHz*DegradedRatio
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	st := s.src.Health()
	body := map[string]any{
		"status":   "ok",
		"version":  version.Version,
		"git_sha":  version.GitSHA,
		"uptime_s": time.Since(s.started).Seconds(),
	}
	code := http.StatusOK
	if degraded(st) {
		body["status"] = "degraded"
		body["measured_hz"] = st.MeasuredHz
		body["target_hz"] = st.TargetHz
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.src.Health())
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	out, ok := s.src.LastOutput()
	if !ok {
		httputil.NotFound(w, "no cycle has run yet")
		return
	}
	httputil.WriteJSONOK(w, publish.Message(out))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "http"
	}
	s.src.Reset(reason)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "reset requested", "reason": reason})
}

// handleFrequencyChart plots the recent cycle frequencies against the
// target.
func (s *Server) handleFrequencyChart(w http.ResponseWriter, r *http.Request) {
	st := s.src.Health()

	x := make([]int, len(st.Periods))
	measured := make([]opts.LineData, len(st.Periods))
	target := make([]opts.LineData, len(st.Periods))
	for i, p := range st.Periods {
		x[i] = i + 1
		hz := 0.0
		if p > 0 {
			hz = 1 / p
		}
		measured[i] = opts.LineData{Value: hz}
		target[i] = opts.LineData{Value: st.TargetHz}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tracker Frequency", Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Tracker Frequency",
			Subtitle: fmt.Sprintf("target=%.2fHz measured=%.2fHz samples=%d cycles=%d", st.TargetHz, st.MeasuredHz, st.Samples, st.Cycles),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Sample", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Hz", NameLocation: "middle", NameGap: 30}),
	)
	line.SetXAxis(x).
		AddSeries("measured", measured).
		AddSeries("target", target, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
