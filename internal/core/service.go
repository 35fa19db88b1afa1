package core

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/JonMunkholm/ChinookDW/internal/logging"
)

// RunTimeout is the default upper bound for one pipeline run.
var RunTimeout = 30 * time.Minute

// ServiceConfig tunes the service around the pipeline.
type ServiceConfig struct {
	RunTimeout   time.Duration // per run; zero uses RunTimeout
	MaxWait      time.Duration // how long a refresh waits for the running one
	History      int           // run reports kept in memory
	QueryMaxRows int
	QueryTimeout time.Duration
}

// Service exposes the pipeline to the HTTP server, the CLI and the
// scheduler. It serializes runs and keeps recent run reports.
type Service struct {
	pipeline *Pipeline
	src      Source
	dst      Target
	querier  Querier // nil when the target cannot run read queries
	limiter  *RunLimiter
	cfg      ServiceConfig

	mu      sync.RWMutex
	history []*RunReport // newest first
}

// NewService creates a Service around p. The target is used for queries
// and exports when it implements Querier.
func NewService(p *Pipeline, src Source, dst Target, cfg ServiceConfig) *Service {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = RunTimeout
	}
	if cfg.History <= 0 {
		cfg.History = 20
	}
	if cfg.QueryMaxRows <= 0 {
		cfg.QueryMaxRows = 1000
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}

	s := &Service{
		pipeline: p,
		src:      src,
		dst:      dst,
		limiter:  NewRunLimiter(cfg.MaxWait),
		cfg:      cfg,
	}
	if q, ok := dst.(Querier); ok {
		s.querier = q
	}
	return s
}

// Refresh runs the pipeline, waiting for a running one to finish first.
// The run is detached from ctx cancellation so a dropped HTTP client does
// not abort a load halfway; it is bounded by the run timeout instead.
func (s *Service) Refresh(ctx context.Context, mode Mode, trigger string) (*RunReport, error) {
	if err := s.limiter.Acquire(ctx, trigger); err != nil {
		return nil, err
	}
	defer s.limiter.Release()
	return s.execute(ctx, mode, trigger)
}

// TryRefresh runs the pipeline only when no other run is active.
func (s *Service) TryRefresh(ctx context.Context, mode Mode, trigger string) (*RunReport, error) {
	if !s.limiter.TryAcquire(trigger) {
		return nil, ErrRunInProgress
	}
	defer s.limiter.Release()
	return s.execute(ctx, mode, trigger)
}

func (s *Service) execute(ctx context.Context, mode Mode, trigger string) (*RunReport, error) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RunTimeout)
	defer cancel()

	report, err := s.pipeline.Run(runCtx, mode)
	if report != nil {
		report.Trigger = trigger
		s.record(report)
	}
	if err != nil {
		logging.FromContext(ctx).Error("pipeline run failed",
			"trigger", trigger,
			"mode", string(mode),
			"error", err,
		)
	}
	return report, err
}

func (s *Service) record(r *RunReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append([]*RunReport{r}, s.history...)
	if len(s.history) > s.cfg.History {
		s.history = s.history[:s.cfg.History]
	}
}

// Runs returns recent run reports, newest first.
func (s *Service) Runs() []*RunReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*RunReport(nil), s.history...)
}

// LatestRun returns the most recent run report.
func (s *Service) LatestRun() (*RunReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return nil, false
	}
	return s.history[0], true
}

// RunStatus reports whether a run is active.
func (s *Service) RunStatus() RunLimiterStatus {
	return s.limiter.Status()
}

// WaitForDrain blocks until the active run, if any, completes.
func (s *Service) WaitForDrain(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// Rules lists the cleansing rules in execution order.
func (s *Service) Rules() []RuleInfo {
	rules := s.pipeline.engine.Rules()
	out := make([]RuleInfo, len(rules))
	for i, r := range rules {
		out[i] = r.Info()
	}
	return out
}

// Query runs an aggregation over the fact table.
func (s *Service) Query(ctx context.Context, q FactQuery) (*QueryResult, error) {
	if s.querier == nil {
		return nil, fmt.Errorf("query: %w", ErrUnsupported)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	return RunFactQuery(ctx, s.querier, s.pipeline.Definition(), q, s.cfg.QueryMaxRows)
}

// SampleQueries returns canned queries for API clients.
func (s *Service) SampleQueries() []NamedQuery {
	return SampleQueries()
}

// ExportFacts streams the fact table as CSV.
func (s *Service) ExportFacts(ctx context.Context, w io.Writer) (int64, error) {
	if s.querier == nil {
		return 0, fmt.Errorf("export: %w", ErrUnsupported)
	}
	return ExportFacts(ctx, s.querier, s.pipeline.Definition().Fact, w)
}

// HealthStatus reports store reachability.
type HealthStatus struct {
	Status  string           `json:"status"`
	Source  string           `json:"source"`
	Target  string           `json:"target"`
	Run     RunLimiterStatus `json:"run"`
	LastRun string           `json:"last_run,omitempty"`
}

// Health pings both stores.
func (s *Service) Health(ctx context.Context) HealthStatus {
	h := HealthStatus{Status: "ok", Source: "ok", Target: "ok", Run: s.limiter.Status()}
	if err := s.src.Ping(ctx); err != nil {
		h.Status, h.Source = "degraded", err.Error()
	}
	if err := s.dst.Ping(ctx); err != nil {
		h.Status, h.Target = "degraded", err.Error()
	}
	if last, ok := s.LatestRun(); ok {
		h.LastRun = last.Status
	}
	return h
}
