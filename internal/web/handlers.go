package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JonMunkholm/ChinookDW/internal/core"
	"github.com/JonMunkholm/ChinookDW/internal/logging"
	"github.com/JonMunkholm/ChinookDW/internal/web/views"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// RefreshRequest is the body of POST /api/refresh.
type RefreshRequest struct {
	Mode    string `json:"mode"`
	Confirm string `json:"confirm,omitempty"` // must be RESET for a reset
}

// RunsResponse lists recent runs together with the limiter state.
type RunsResponse struct {
	Running core.RunLimiterStatus `json:"running"`
	Runs    []*core.RunReport     `json:"runs"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}

	mode, err := core.ParseMode(req.Mode)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	if err := core.ConfirmMode(mode, req.Confirm); err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}

	report, err := s.service.Refresh(r.Context(), mode, "http")
	if err != nil {
		if errors.Is(err, core.ErrRunInProgress) {
			w.Header().Set("Retry-After", "5")
		}
		s.respondError(w, r, err, statusFor(err))
		return
	}

	logging.FromContext(r.Context()).Info("refresh completed",
		"run_id", report.RunID,
		"mode", string(report.Mode),
		"inserted", report.TotalInserted(),
	)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q core.FactQuery
	if err := decodeJSON(r, &q); err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}

	result, err := s.service.Query(r.Context(), q)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleVisualize renders a grouped query as an HTML bar chart of one
// result column (Count unless ?measure= names another) against the first
// group_by column.
func (s *Server) handleVisualize(w http.ResponseWriter, r *http.Request) {
	var q core.FactQuery
	if err := decodeJSON(r, &q); err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	if len(q.GroupBy) == 0 {
		err := fmt.Errorf("%w: a chart needs a group_by column", core.ErrInvalidQuery)
		s.respondError(w, r, err, statusFor(err))
		return
	}

	result, err := s.service.Query(r.Context(), q)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}

	measure := r.URL.Query().Get("measure")
	if measure == "" {
		measure = core.CountColumn
	}
	chart, err := views.NewChart(result, q.GroupBy[0], measure)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := views.QueryChart(chart).Render(r.Context(), w); err != nil {
		logging.FromContext(r.Context()).Error("render chart failed", "error", err)
	}
}

func (s *Server) handleSampleQueries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.SampleQueries())
}

// handleExportFacts streams FactSales as CSV. Once the first bytes are on
// the wire a failure can only be logged.
func (s *Server) handleExportFacts(w http.ResponseWriter, r *http.Request) {
	filename := fmt.Sprintf("FactSales_%s.csv", time.Now().Format("20060102_150405"))
	tw := &trackingWriter{w: w, header: func() {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	}}

	n, err := s.service.ExportFacts(r.Context(), tw)
	if err != nil {
		if !tw.wrote {
			s.respondError(w, r, err, statusFor(err))
			return
		}
		logging.FromContext(r.Context()).Error("export aborted", "rows", n, "error", err)
		return
	}
	if !tw.wrote {
		tw.header()
		w.WriteHeader(http.StatusOK)
	}
	logging.FromContext(r.Context()).Info("facts exported", "rows", n)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.service.Runs()
	if runs == nil {
		runs = []*core.RunReport{}
	}
	writeJSON(w, http.StatusOK, RunsResponse{
		Running: s.service.RunStatus(),
		Runs:    runs,
	})
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	report, ok := s.service.LatestRun()
	if !ok {
		respondErrorJSON(w, core.UserMessage{
			Message: "No pipeline run recorded yet",
			Action:  "Start a run with POST /api/refresh",
			Code:    "RUN006",
		}, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Rules())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.service.Health(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// decodeJSON reads a bounded JSON body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// trackingWriter sets the response headers on the first write and flushes
// every chunk so clients see rows as they are produced.
type trackingWriter struct {
	w      http.ResponseWriter
	header func()
	wrote  bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	if !t.wrote {
		t.header()
		t.wrote = true
	}
	n, err := t.w.Write(p)
	if f, ok := t.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}
