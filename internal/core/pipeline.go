package core

// pipeline.go sequences one run:
//
//	validate -> cleanse -> [reset] -> dimensions -> key-mapping -> facts
//
// Nothing is written to the target before validate and cleanse succeed, so
// configuration errors never leave a half-reset store behind. Each
// dimension commits in its own transaction; the fact load is one
// transaction. A failed stage aborts the run and the caller gets the
// partial report inside a StageError. Reruns are the recovery mechanism.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/ChinookDW/internal/logging"
)

// Mode selects how a run treats existing target rows.
type Mode string

const (
	ModeReset       Mode = "reset"       // clear derived tables, then load everything
	ModeIncremental Mode = "incremental" // append what is missing
)

// ParseMode accepts "reset" or "incremental" in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeReset:
		return ModeReset, nil
	case ModeIncremental, "":
		return ModeIncremental, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want reset or incremental)", s)
	}
}

// ResetConfirmation must accompany every reset started by a person.
const ResetConfirmation = "RESET"

// ConfirmMode rejects a reset whose confirmation token does not match.
func ConfirmMode(mode Mode, token string) error {
	if mode == ModeReset && token != ResetConfirmation {
		return fmt.Errorf("%w: pass %q to clear the analytical store", ErrConfirmationRequired, ResetConfirmation)
	}
	return nil
}

// Stage names a step of a run.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageCleanse    Stage = "cleanse"
	StageReset      Stage = "reset"
	StageDimensions Stage = "dimensions"
	StageKeyMapping Stage = "key-mapping"
	StageFacts      Stage = "facts"
)

// Run and stage statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusRunning = "running"
)

// StageReport is the outcome of one stage.
type StageReport struct {
	Stage      Stage     `json:"stage"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Rows       int64     `json:"rows"` // rows inserted, removed or mapped, depending on the stage
	Error      string    `json:"error,omitempty"`
}

// RunReport summarizes a run, complete or partial.
type RunReport struct {
	RunID      string              `json:"run_id"`
	Mode       Mode                `json:"mode"`
	Trigger    string              `json:"trigger,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Status     string              `json:"status"`
	Error      string              `json:"error,omitempty"`
	Stages     []StageReport       `json:"stages"`
	Cleansing  CleanseReport       `json:"cleansing"`
	Removals   []ValidationRemoval `json:"removals"`
	Dimensions []DimensionResult   `json:"dimensions"`
	KeyMap     map[string]int      `json:"key_map,omitempty"`
	Facts      FactResult          `json:"facts"`
	Gaps       []ReferentialGap    `json:"gaps"`      // bounded sample
	GapCount   int                 `json:"gap_count"` // every gap, sampled or not
}

// Inserted returns the inserted row count of a dimension entity.
func (r *RunReport) Inserted(entity string) int64 {
	for _, d := range r.Dimensions {
		if d.Entity == entity {
			return d.Inserted
		}
	}
	return 0
}

// TotalInserted sums dimension and fact inserts.
func (r *RunReport) TotalInserted() int64 {
	n := r.Facts.Inserted
	for _, d := range r.Dimensions {
		n += d.Inserted
	}
	return n
}

// StageResult returns the report of stage s, if it ran.
func (r *RunReport) StageResult(s Stage) (StageReport, bool) {
	for _, st := range r.Stages {
		if st.Stage == s {
			return st, true
		}
	}
	return StageReport{}, false
}

// Options tune a pipeline.
type Options struct {
	Parallel  bool // load independent dimensions of a wave concurrently
	BatchSize int  // rows per insert statement or COPY
	Staging   bool // persist cleansed relations to stg_* tables
	GapSample int  // gaps kept in the report; negative keeps all
}

const (
	DefaultBatchSize = 500
	DefaultGapSample = 50
)

// Pipeline runs the cleansing and star-schema load between two stores.
type Pipeline struct {
	src    Source
	dst    Target
	def    Definition
	opts   Options
	engine *Engine
}

// NewPipeline wires a pipeline. Store handles are used for the lifetime of
// the pipeline; the caller owns closing them.
func NewPipeline(src Source, dst Target, def Definition, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.GapSample == 0 {
		opts.GapSample = DefaultGapSample
	}
	return &Pipeline{
		src:    src,
		dst:    dst,
		def:    def,
		opts:   opts,
		engine: NewEngine(def.Rules),
	}
}

// Definition returns the schema description the pipeline runs.
func (p *Pipeline) Definition() Definition { return p.def }

// run carries the state of one invocation.
type run struct {
	*Pipeline
	report  *RunReport
	logger  *slog.Logger
	gaps    *gapSampler
	waves   [][]DimensionPlan
	cleaned *Dataset
	keys    *KeyMap
}

// Run executes one pipeline run in mode.
func (p *Pipeline) Run(ctx context.Context, mode Mode) (*RunReport, error) {
	report := &RunReport{
		RunID:     uuid.NewString(),
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
	}
	ctx = logging.ContextWithRunID(ctx, report.RunID)

	r := &run{
		Pipeline: p,
		report:   report,
		logger:   logging.WithFields(ctx, "mode", string(mode)),
		gaps:     newGapSampler(p.opts.GapSample),
		keys:     NewKeyMap(),
	}

	r.logger.Info("pipeline run started", "parallel", p.opts.Parallel, "batch_size", p.opts.BatchSize)

	steps := []struct {
		stage Stage
		fn    func(context.Context) (int64, error)
	}{
		{StageValidate, r.validate},
		{StageCleanse, r.cleanse},
		{StageReset, r.reset},
		{StageDimensions, r.loadDimensions},
		{StageKeyMapping, r.buildKeyMap},
		{StageFacts, r.loadFacts},
	}

	for _, step := range steps {
		if step.stage == StageReset && mode != ModeReset {
			continue
		}
		if err := r.stage(ctx, step.stage, step.fn); err != nil {
			return report, r.fail(step.stage, err)
		}
	}

	report.Gaps = r.gaps.gaps
	report.GapCount = r.gaps.total
	report.FinishedAt = time.Now().UTC()
	report.Status = StatusOK

	r.logger.Info("pipeline run finished",
		"inserted", report.TotalInserted(),
		"gaps", report.GapCount,
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	)
	return report, nil
}

// stage times fn and appends its report.
func (r *run) stage(ctx context.Context, s Stage, fn func(context.Context) (int64, error)) error {
	start := time.Now()
	r.logger.Debug("stage started", "stage", string(s))

	rows, err := fn(ctx)

	sr := StageReport{
		Stage:      s,
		Status:     StatusOK,
		StartedAt:  start.UTC(),
		DurationMS: time.Since(start).Milliseconds(),
		Rows:       rows,
	}
	if err != nil {
		sr.Status = StatusFailed
		sr.Error = err.Error()
	}
	r.report.Stages = append(r.report.Stages, sr)

	if err != nil {
		r.logger.Error("stage failed", "stage", string(s), "error", err, "duration_ms", sr.DurationMS)
		return err
	}
	r.logger.Info("stage finished", "stage", string(s), "rows", rows, "duration_ms", sr.DurationMS)
	return nil
}

func (r *run) fail(s Stage, err error) error {
	r.report.Gaps = r.gaps.gaps
	r.report.GapCount = r.gaps.total
	r.report.FinishedAt = time.Now().UTC()
	r.report.Status = StatusFailed
	r.report.Error = err.Error()
	return &StageError{Stage: s, Err: err, Report: r.report}
}

// validate checks the definition and reachability of both stores.
func (r *run) validate(ctx context.Context) (int64, error) {
	if err := r.engine.Validate(r.def.Tables); err != nil {
		return 0, err
	}
	waves, err := Waves(r.def.Dimensions)
	if err != nil {
		return 0, err
	}
	r.waves = waves

	if err := r.src.Ping(ctx); err != nil {
		return 0, NewConnectivityError("source", "ping", err)
	}
	if err := r.dst.Ping(ctx); err != nil {
		return 0, NewConnectivityError("target", "ping", err)
	}
	return int64(len(r.engine.rules)), nil
}

// cleanse extracts every source table, applies the rules and optionally
// persists the result to staging tables.
func (r *run) cleanse(ctx context.Context) (int64, error) {
	raw := NewDataset()
	for _, spec := range r.def.Tables {
		t, err := r.src.ReadTable(ctx, spec)
		if err != nil {
			return 0, classifyConnectivity("source", "read "+spec.Name, fmt.Errorf("extract %s: %w", spec.Name, err))
		}
		raw.Put(t)
		r.logger.Debug("extracted", "table", spec.Name, "rows", len(t.Rows))
	}

	cleaned, report, err := r.engine.Run(ctx, raw)
	if err != nil {
		return 0, err
	}
	r.cleaned = cleaned
	r.report.Cleansing = report
	r.report.Removals = report.Removals()

	for _, rm := range r.report.Removals {
		r.logger.Info("rows removed by rule", "table", rm.Table, "rule", rm.Rule, "count", rm.Count)
	}

	for _, d := range r.def.Dimensions {
		if err := d.validate(cleaned); err != nil {
			return 0, err
		}
	}
	if err := r.def.Fact.validate(cleaned, r.def.Dimensions); err != nil {
		return 0, err
	}

	if r.opts.Staging {
		if err := r.writeStaging(ctx); err != nil {
			return 0, err
		}
	}
	return int64(report.RemovedRows()), nil
}

func (r *run) writeStaging(ctx context.Context) error {
	err := r.dst.InTx(ctx, func(tx TargetTx) error {
		for _, spec := range r.def.Tables {
			t, _ := r.cleaned.Table(spec.Name)
			if err := tx.Truncate(ctx, spec.StagingTable()); err != nil {
				return fmt.Errorf("truncate %s: %w", spec.StagingTable(), err)
			}
			rows := make([][]any, len(t.Rows))
			for i, row := range t.Rows {
				rows[i] = t.Values(row)
			}
			if _, err := insertBatches(ctx, tx, spec.StagingTable(), t.Columns, rows, r.opts.BatchSize); err != nil {
				return err
			}
		}
		return nil
	})
	return classifyConnectivity("target", "write staging", err)
}

// reset clears the fact table, then dimensions children first.
func (r *run) reset(ctx context.Context) (int64, error) {
	order := LoadOrder(r.waves)
	tables := make([]string, 0, len(order)+1)
	tables = append(tables, r.def.Fact.Table)
	for i := len(order) - 1; i >= 0; i-- {
		tables = append(tables, order[i].Table)
	}

	err := r.dst.InTx(ctx, func(tx TargetTx) error {
		return tx.Truncate(ctx, tables...)
	})
	if err != nil {
		return 0, classifyConnectivity("target", "reset", err)
	}
	return int64(len(tables)), nil
}

// loadDimensions runs the waves in order. Within a wave each plan gets its
// own transaction and, when parallel, its own goroutine. A wave is a
// barrier: the next wave starts only after every plan has committed and its
// keys are mapped.
func (r *run) loadDimensions(ctx context.Context) (int64, error) {
	var (
		mu      sync.Mutex
		results []DimensionResult
		total   int64
	)

	load := func(ctx context.Context, plan DimensionPlan) error {
		var res DimensionResult
		err := r.dst.InTx(ctx, func(tx TargetTx) error {
			var err error
			res, err = LoadDimension(ctx, tx, plan, r.cleaned, r.keys, r.opts.BatchSize)
			return err
		})
		if err != nil {
			return classifyConnectivity("target", "load "+plan.Entity, fmt.Errorf("dimension %s: %w", plan.Entity, err))
		}

		// Committed: publish this entity's keys for the waves that follow.
		err = r.dst.InTx(ctx, func(tx TargetTx) error {
			return r.keys.Load(ctx, tx, plan)
		})
		if err != nil {
			return classifyConnectivity("target", "map "+plan.Entity, err)
		}

		r.logger.Info("dimension loaded",
			"entity", plan.Entity,
			"candidates", res.Candidates,
			"existing", res.Existing,
			"inserted", res.Inserted,
			"gaps", len(res.Gaps),
		)

		mu.Lock()
		results = append(results, res)
		total += res.Inserted
		mu.Unlock()
		return nil
	}

	for _, wave := range r.waves {
		if r.opts.Parallel && len(wave) > 1 {
			g, gctx := errgroup.WithContext(ctx)
			for _, plan := range wave {
				plan := plan
				g.Go(func() error { return load(gctx, plan) })
			}
			if err := g.Wait(); err != nil {
				r.collectDimensions(results)
				return total, err
			}
			continue
		}
		for _, plan := range wave {
			if err := load(ctx, plan); err != nil {
				r.collectDimensions(results)
				return total, err
			}
		}
	}

	r.collectDimensions(results)
	return total, nil
}

// collectDimensions stores results in load order and records their gaps.
func (r *run) collectDimensions(results []DimensionResult) {
	rank := make(map[string]int)
	for i, p := range LoadOrder(r.waves) {
		rank[p.Entity] = i
	}
	sort.Slice(results, func(i, j int) bool { return rank[results[i].Entity] < rank[results[j].Entity] })

	for _, res := range results {
		for _, g := range res.Gaps {
			r.gaps.add(g)
		}
		if len(res.Gaps) > 0 {
			r.logger.Warn("referential gaps in dimension", "entity", res.Entity, "count", len(res.Gaps), "first", res.Gaps[0].String())
		}
	}
	r.report.Dimensions = results
}

// buildKeyMap rereads every dimension's keys once all loads committed.
func (r *run) buildKeyMap(ctx context.Context) (int64, error) {
	keys, err := BuildKeyMap(ctx, r.dst, r.def.Dimensions)
	if err != nil {
		return 0, classifyConnectivity("target", "build key map", err)
	}
	r.keys = keys
	r.report.KeyMap = keys.Sizes()

	var n int64
	for _, c := range r.report.KeyMap {
		n += int64(c)
	}
	return n, nil
}

func (r *run) loadFacts(ctx context.Context) (int64, error) {
	var res FactResult
	err := r.dst.InTx(ctx, func(tx TargetTx) error {
		var err error
		res, err = AssembleFacts(ctx, tx, r.def.Fact, r.cleaned, r.def.Dimensions, r.keys, r.opts.BatchSize)
		return err
	})
	if err != nil {
		return 0, classifyConnectivity("target", "load facts", err)
	}

	for _, g := range res.Gaps {
		r.gaps.add(g)
	}
	if len(res.Gaps) > 0 {
		r.logger.Warn("referential gaps in facts", "table", res.Table, "count", len(res.Gaps), "first", res.Gaps[0].String())
	}
	r.report.Facts = res
	return res.Inserted, nil
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsConnectivityError reports whether err carries a ConnectivityError.
func IsConnectivityError(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
