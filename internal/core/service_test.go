package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/ChinookDW/internal/core"
	"github.com/JonMunkholm/ChinookDW/internal/store/memory"
)

// gatedSource blocks every read until release is closed.
type gatedSource struct {
	*memory.Store
	started chan struct{}
	release chan struct{}
}

func (g *gatedSource) ReadTable(ctx context.Context, spec core.SourceTable) (*core.Table, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.release
	return g.Store.ReadTable(ctx, spec)
}

func newService(f *fixture, src core.Source, cfg core.ServiceConfig) *core.Service {
	p := core.NewPipeline(src, f.dst, f.def, core.Options{})
	return core.NewService(p, src, f.dst, cfg)
}

func TestService_RefreshRecordsHistory(t *testing.T) {
	f := newFixture(t)
	svc := newService(f, f.src, core.ServiceConfig{History: 2})

	for i := 0; i < 3; i++ {
		report, err := svc.Refresh(context.Background(), core.ModeIncremental, "test")
		require.NoError(t, err)
		assert.Equal(t, "test", report.Trigger)
	}

	runs := svc.Runs()
	assert.Len(t, runs, 2)

	latest, ok := svc.LatestRun()
	require.True(t, ok)
	assert.Same(t, runs[0], latest)
	assert.Zero(t, latest.TotalInserted())
}

func TestService_RejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	src := &gatedSource{Store: f.src, started: make(chan struct{}, 1), release: make(chan struct{})}
	svc := newService(f, src, core.ServiceConfig{MaxWait: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(context.Background(), core.ModeIncremental, "api")
		done <- err
	}()
	<-src.started

	_, err := svc.TryRefresh(context.Background(), core.ModeIncremental, "schedule")
	assert.ErrorIs(t, err, core.ErrRunInProgress)

	_, err = svc.Refresh(context.Background(), core.ModeIncremental, "api")
	assert.ErrorIs(t, err, core.ErrRunInProgress)

	status := svc.RunStatus()
	assert.True(t, status.Running)
	assert.Equal(t, "api", status.Trigger)

	close(src.release)
	require.NoError(t, <-done)
	require.NoError(t, svc.WaitForDrain(context.Background()))
	assert.False(t, svc.RunStatus().Running)
}

func TestService_RunSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	src := &gatedSource{Store: f.src, started: make(chan struct{}, 1), release: make(chan struct{})}
	svc := newService(f, src, core.ServiceConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(ctx, core.ModeIncremental, "api")
		done <- err
	}()
	<-src.started
	cancel()
	close(src.release)

	require.NoError(t, <-done)
	assert.Equal(t, wantCounts, f.counts())
}

func TestService_FailedRunIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.src.SetPingError(errors.New("connection refused"))
	svc := newService(f, f.src, core.ServiceConfig{})

	report, err := svc.Refresh(context.Background(), core.ModeIncremental, "cli")
	require.Error(t, err)
	require.NotNil(t, report)

	latest, ok := svc.LatestRun()
	require.True(t, ok)
	assert.Equal(t, core.StatusFailed, latest.Status)

	h := svc.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "ok", h.Target)
	assert.Equal(t, core.StatusFailed, h.LastRun)
}

func TestService_QueryNeedsQuerier(t *testing.T) {
	f := newFixture(t)
	svc := newService(f, f.src, core.ServiceConfig{})

	_, err := svc.Query(context.Background(), core.FactQuery{GroupBy: []string{"DimGenre.Name"}})
	assert.ErrorIs(t, err, core.ErrUnsupported)

	_, err = svc.ExportFacts(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrUnsupported)
}

func TestService_Rules(t *testing.T) {
	f := newFixture(t)
	svc := newService(f, f.src, core.ServiceConfig{})

	rules := svc.Rules()
	require.NotEmpty(t, rules)
	assert.Equal(t, core.KindDedup, rules[0].Kind)
	assert.Equal(t, core.KindCategorical, rules[len(rules)-1].Kind)
}

func TestService_StartSchedulerRejectsBadSpec(t *testing.T) {
	f := newFixture(t)
	svc := newService(f, f.src, core.ServiceConfig{})

	err := svc.StartScheduler(context.Background(), "every tuesday", core.ModeIncremental)
	assert.True(t, core.IsConfigurationError(err))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NoError(t, svc.StartScheduler(ctx, "@every 1h", core.ModeIncremental))
}
