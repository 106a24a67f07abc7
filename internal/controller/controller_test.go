package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/chunk-pregen/internal/metrics"
	"github.com/ChuLiYu/chunk-pregen/internal/notify"
	"github.com/ChuLiYu/chunk-pregen/internal/snapshot"
	"github.com/ChuLiYu/chunk-pregen/internal/storage/wal"
	"github.com/ChuLiYu/chunk-pregen/internal/world"
	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// recorder collects notifications
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t notify.EventType) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testConfig(dir string) Config {
	return Config{
		MaxRadius:     64,
		TaskInterval:  5 * time.Millisecond,
		MaxConcurrent: 4,
		MaxRetries:    2,
		SnapshotPath:  filepath.Join(dir, "jobs.yml"),
		WALPath:       filepath.Join(dir, "jobs.wal"),
	}
}

func newWorlds(t *testing.T, opts world.SimOptions) *world.Simulated {
	t.Helper()
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	if opts.Seed == 0 {
		opts.Seed = 7
	}
	worlds, err := world.NewSimulated([]world.Spawn{
		{Name: "overworld", Spawn: types.Cell{X: 2, Z: -3}},
		{Name: "nether"},
	}, opts)
	require.NoError(t, err)
	t.Cleanup(worlds.Close)
	return worlds
}

// createTestController creates a started Controller over simulated worlds
func createTestController(t *testing.T, dir string, worlds world.Resolver, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(testConfig(dir), worlds, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

func loadDocument(t *testing.T, dir string) types.Document {
	t.Helper()
	doc, err := snapshot.NewManager(filepath.Join(dir, "jobs.yml")).Load()
	require.NoError(t, err)
	return doc
}

func waitForStatus(t *testing.T, c *Controller, id string, want types.JobStatus) types.JobSnapshot {
	t.Helper()
	var snap types.JobSnapshot
	require.Eventually(t, func() bool {
		s, err := c.Status(id)
		if err != nil {
			return false
		}
		snap = s
		return s.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func seedSnapshot(t *testing.T, dir string, recs map[string]types.Record) {
	t.Helper()
	doc := types.NewDocument()
	for id, rec := range recs {
		doc.Jobs[id] = rec
	}
	require.NoError(t, snapshot.NewManager(filepath.Join(dir, "jobs.yml")).Write(doc))
}

func intPtr(v int) *int { return &v }

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewController(t *testing.T) {
	dir := t.TempDir()
	c, err := NewController(testConfig(dir), newWorlds(t, world.SimOptions{}))
	require.NoError(t, err)
	defer c.Stop()

	assert.NotNil(t, c.jobManager)
	assert.NotNil(t, c.wal)
	assert.NotNil(t, c.snapshot)
	assert.NotNil(t, c.scheduler)
	assert.Equal(t, 5*time.Millisecond, c.scheduler.Interval())
}

func TestNewControllerErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := NewController(testConfig(dir), nil)
	assert.Error(t, err)

	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg := testConfig(dir)
	cfg.WALPath = filepath.Join(blocker, "jobs.wal")
	_, err = NewController(cfg, newWorlds(t, world.SimOptions{}))
	assert.Error(t, err)
}

func TestStartIsIdempotentAndStopIsFinal(t *testing.T) {
	dir := t.TempDir()
	c, err := NewController(testConfig(dir), newWorlds(t, world.SimOptions{}))
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	c.Stop()
	c.Stop()

	assert.ErrorIs(t, c.Start(context.Background()), ErrControllerStopped)
	_, err = c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 1})
	assert.ErrorIs(t, err, ErrControllerStopped)
}

// ============================================================================
// Job Lifecycle Tests
// ============================================================================

func TestStartJobRunsToCompletion(t *testing.T) {
	dir := t.TempDir()
	worlds := newWorlds(t, world.SimOptions{})
	rec := &recorder{}
	c := createTestController(t, dir, worlds, WithNotifier(rec))

	snap, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 1, Shape: "square"})
	require.NoError(t, err)
	assert.Equal(t, int64(9), snap.Total)
	assert.Equal(t, 2, snap.CenterX)
	assert.Equal(t, -3, snap.CenterZ)

	done := waitForStatus(t, c, snap.ID, types.StatusFinished)
	assert.Equal(t, int64(9), done.Generated)
	assert.Equal(t, 100.0, done.Progress)

	ow, _ := worlds.World("overworld")
	assert.Equal(t, int64(9), ow.Stats().Generated)
	assert.Equal(t, 0, ow.Stats().Loaded, "every generated cell is released")

	require.Eventually(t, func() bool {
		return len(rec.ofType(notify.EventJobFinished)) == 1
	}, time.Second, 5*time.Millisecond)
	finished := rec.ofType(notify.EventJobFinished)[0]
	assert.Equal(t, "overworld", finished.World)
	assert.Equal(t, int64(9), finished.Job.Generated)

	record := loadDocument(t, dir).Jobs[snap.ID]
	assert.True(t, record.Finished)
	assert.Equal(t, int64(9), record.Generated)
	assert.False(t, c.jobManager.IsAttached(uuid.MustParse(snap.ID)))
}

func TestStartJobDiscWithExplicitCenter(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, newWorlds(t, world.SimOptions{}))

	snap, err := c.StartJob(context.Background(), StartRequest{
		World:   "nether",
		Radius:  2,
		Shape:   "disc",
		CenterX: intPtr(100),
		CenterZ: intPtr(-100),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(13), snap.Total)
	assert.Equal(t, "disc", snap.Shape)
	assert.Equal(t, 100, snap.CenterX)

	done := waitForStatus(t, c, snap.ShortID, types.StatusFinished)
	assert.Equal(t, int64(13), done.Generated)

	// 已完成的任務仍在表中，取消回報終態而不是找不到
	_, err = c.Cancel(snap.ID)
	assert.ErrorIs(t, err, ErrJobTerminal)
	assert.Equal(t, "Job not found or already finished.", Describe(err))
}

func TestStartJobValidation(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, newWorlds(t, world.SimOptions{}))

	tests := []struct {
		name string
		req  StartRequest
		want error
	}{
		{"negative radius", StartRequest{World: "overworld", Radius: -1}, ErrInvalidRadius},
		{"radius over max", StartRequest{World: "overworld", Radius: 65}, ErrInvalidRadius},
		{"bad shape", StartRequest{World: "overworld", Radius: 1, Shape: "triangle"}, ErrInvalidShape},
		{"only x", StartRequest{World: "overworld", Radius: 1, CenterX: intPtr(3)}, ErrInvalidCoordinates},
		{"unknown world", StartRequest{World: "atlantis", Radius: 1}, ErrWorldNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.StartJob(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Empty(t, c.List(), "rejected requests leave no state behind")
	assert.Equal(t, uint64(0), c.wal.GetLastSeq())
}

func TestPauseToggles(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, newWorlds(t, world.SimOptions{Latency: 20 * time.Millisecond}))

	snap, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 20})
	require.NoError(t, err)

	paused, err := c.Pause(snap.ShortID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, paused.Status)
	assert.True(t, loadDocument(t, dir).Jobs[snap.ID].Paused)

	// in-flight requests may still land, then progress holds still
	time.Sleep(100 * time.Millisecond)
	before, _ := c.Status(snap.ID)
	time.Sleep(100 * time.Millisecond)
	after, _ := c.Status(snap.ID)
	assert.Equal(t, before.Generated, after.Generated)

	resumed, err := c.Pause(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, resumed.Status)
	assert.False(t, loadDocument(t, dir).Jobs[snap.ID].Paused)

	require.Eventually(t, func() bool {
		s, _ := c.Status(snap.ID)
		return s.Generated > after.Generated
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPauseUnknownOrTerminal(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, newWorlds(t, world.SimOptions{Latency: 20 * time.Millisecond}))

	_, err := c.Pause(uuid.NewString())
	assert.ErrorIs(t, err, ErrJobNotFound)
	notFound := Describe(err)

	snap, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 10})
	require.NoError(t, err)
	_, err = c.Cancel(snap.ID)
	require.NoError(t, err)

	_, err = c.Pause(snap.ID)
	assert.ErrorIs(t, err, ErrJobTerminal)
	assert.Equal(t, notFound, Describe(err))

	_, err = c.Cancel(snap.ID)
	assert.ErrorIs(t, err, ErrJobTerminal)
}

func TestCancelPersistsFlagAndStopsEngine(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, newWorlds(t, world.SimOptions{Latency: 30 * time.Millisecond}))

	snap, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 20})
	require.NoError(t, err)
	id := uuid.MustParse(snap.ID)

	require.Eventually(t, func() bool {
		return c.jobManager.InFlight() > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancelled, err := c.Cancel(snap.ShortID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
	assert.False(t, c.jobManager.IsAttached(id))
	assert.Empty(t, c.Active())

	// late completions of abandoned requests do not move the counter
	time.Sleep(150 * time.Millisecond)
	after, err := c.Status(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled.Generated, after.Generated)
	assert.Equal(t, types.StatusCancelled, after.Status)

	record := loadDocument(t, dir).Jobs[snap.ID]
	assert.True(t, record.Cancelled)
	assert.False(t, record.Finished)
	require.Len(t, c.List(), 1, "cancelled jobs stay in the historical table")
}

func TestBoundedRetryFinishesJob(t *testing.T) {
	dir := t.TempDir()
	worlds := newWorlds(t, world.SimOptions{FailureRate: 1})
	c := createTestController(t, dir, worlds)

	snap, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 1})
	require.NoError(t, err)

	done := waitForStatus(t, c, snap.ID, types.StatusFinished)
	assert.Equal(t, int64(0), done.Generated)
	assert.Equal(t, int64(9), done.Failed)

	ow, _ := worlds.World("overworld")
	assert.Equal(t, int64(9*3), ow.Stats().Failures, "one attempt plus two retries per cell")
}

func TestResolveAmbiguousPrefix(t *testing.T) {
	dir := t.TempDir()
	rec := types.Record{World: "atlantis", Radius: 1, Shape: "SQUARE", Total: 9, Started: time.Now().UnixMilli()}
	seedSnapshot(t, dir, map[string]types.Record{
		"abcdef01-0000-4000-8000-000000000001": rec,
		"abcdef02-0000-4000-8000-000000000002": rec,
	})
	c := createTestController(t, dir, newWorlds(t, world.SimOptions{}))

	_, err := c.Status("abcdef0")
	assert.ErrorIs(t, err, ErrAmbiguousID)
	assert.Contains(t, Describe(err), "more than one job")

	id, err := c.ResolveID("ABCDEF02")
	require.NoError(t, err)
	assert.Equal(t, "abcdef02-0000-4000-8000-000000000002", id.String())

	_, err = c.ResolveID("ffff")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// ============================================================================
// Crash Recovery Tests
// ============================================================================

func TestRecoveryResumesFromPersistedCount(t *testing.T) {
	dir := t.TempDir()
	id := "11111111-2222-4333-8444-555555555555"
	seedSnapshot(t, dir, map[string]types.Record{
		id: {World: "overworld", Radius: 2, Shape: "SQUARE", Generated: 5, Total: 25, Started: time.Now().Add(-time.Minute).UnixMilli()},
	})

	cfg := testConfig(dir)
	c, err := NewController(cfg, newWorlds(t, world.SimOptions{}))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	snap, err := c.Status(id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Generated, int64(5), "resume never resets progress")
	assert.Equal(t, int64(25), snap.Total)

	done := waitForStatus(t, c, id, types.StatusFinished)
	assert.Equal(t, int64(25), done.Generated)
}

func TestRecoveryHonoursResumeDelay(t *testing.T) {
	dir := t.TempDir()
	id := "11111111-2222-4333-8444-555555555556"
	seedSnapshot(t, dir, map[string]types.Record{
		id: {World: "overworld", Radius: 1, Shape: "SQUARE", Total: 9, Started: time.Now().UnixMilli()},
	})

	cfg := testConfig(dir)
	cfg.ResumeDelay = 200 * time.Millisecond
	c, err := NewController(cfg, newWorlds(t, world.SimOptions{}))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	time.Sleep(50 * time.Millisecond)
	snap, _ := c.Status(id)
	assert.Equal(t, int64(0), snap.Generated)
	waitForStatus(t, c, id, types.StatusFinished)
}

func TestRecoveryReplaysCancelAfterSnapshot(t *testing.T) {
	dir := t.TempDir()
	id := uuid.MustParse("22222222-2222-4333-8444-555555555555")
	seedSnapshot(t, dir, map[string]types.Record{
		id.String(): {World: "overworld", Radius: 3, Shape: "SQUARE", Generated: 4, Total: 49, Started: time.Now().UnixMilli()},
	})

	w, err := wal.NewWAL(filepath.Join(dir, "jobs.wal"), true)
	require.NoError(t, err)
	require.NoError(t, w.Append(wal.EventCancel, id, nil))
	require.NoError(t, w.Close())

	c := createTestController(t, dir, newWorlds(t, world.SimOptions{}))

	snap, err := c.Status(id.String())
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, snap.Status)
	assert.Equal(t, int64(4), snap.Generated)
	assert.False(t, c.jobManager.IsAttached(id))

	assert.True(t, loadDocument(t, dir).Jobs[id.String()].Cancelled, "replayed state is folded into the snapshot")
	events, err := wal.ReadAll(filepath.Join(dir, "jobs.wal"))
	require.NoError(t, err)
	assert.Empty(t, events, "journal is rotated once the snapshot is written")
}

func TestRecoveryReplaysStartMissingFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()
	rec := types.Record{World: "nether", Radius: 1, Shape: "DISC", Total: 5, Started: time.Now().UnixMilli()}

	w, err := wal.NewWAL(filepath.Join(dir, "jobs.wal"), true)
	require.NoError(t, err)
	require.NoError(t, w.Append(wal.EventStart, id, &rec))
	require.NoError(t, w.Append(wal.EventPause, id, nil))
	require.NoError(t, w.Append(wal.EventResume, id, nil))
	require.NoError(t, w.Close())

	c := createTestController(t, dir, newWorlds(t, world.SimOptions{}))

	done := waitForStatus(t, c, id.String(), types.StatusFinished)
	assert.Equal(t, int64(5), done.Generated)
	assert.Equal(t, "nether", done.World)
}

func TestRecoveryLeavesUnknownWorldDormant(t *testing.T) {
	dir := t.TempDir()
	id := "33333333-2222-4333-8444-555555555555"
	seedSnapshot(t, dir, map[string]types.Record{
		id: {World: "atlantis", Radius: 2, Shape: "SQUARE", Generated: 7, Total: 25, Started: time.Now().UnixMilli()},
	})

	c := createTestController(t, dir, newWorlds(t, world.SimOptions{}))

	snap, err := c.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, snap.Status)
	assert.Equal(t, int64(7), snap.Generated)
	assert.False(t, c.jobManager.IsAttached(uuid.MustParse(id)))

	record := loadDocument(t, dir).Jobs[id]
	assert.False(t, record.Finished)
	assert.False(t, record.Cancelled)
	assert.Equal(t, int64(7), record.Generated)
}

func TestRecoveryKeepsPausedJobsPaused(t *testing.T) {
	dir := t.TempDir()
	id := "44444444-2222-4333-8444-555555555555"
	seedSnapshot(t, dir, map[string]types.Record{
		id: {World: "overworld", Radius: 1, Shape: "SQUARE", Generated: 2, Total: 9, Started: time.Now().UnixMilli(), Paused: true},
	})

	c := createTestController(t, dir, newWorlds(t, world.SimOptions{}))

	time.Sleep(50 * time.Millisecond)
	snap, err := c.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, snap.Status)
	assert.Equal(t, int64(2), snap.Generated)
	assert.True(t, c.jobManager.IsAttached(uuid.MustParse(id)))

	_, err = c.Pause(id)
	require.NoError(t, err)
	waitForStatus(t, c, id, types.StatusFinished)
}

func TestRecoveryQuarantinesCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yml")
	require.NoError(t, os.WriteFile(path, []byte("jobs: [this is: not: valid"), 0o644))

	c := createTestController(t, dir, newWorlds(t, world.SimOptions{}))
	assert.Empty(t, c.List())

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestRecoveryRejectsNewerSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yml")
	require.NoError(t, os.WriteFile(path, []byte("schema-version: 99\njobs: {}\n"), 0o644))

	c, err := NewController(testConfig(dir), newWorlds(t, world.SimOptions{}))
	require.NoError(t, err)
	defer c.Stop()

	err = c.Start(context.Background())
	assert.ErrorIs(t, err, snapshot.ErrIncompatibleVersion)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "schema-version: 99", "newer file is left untouched")
}

func TestCrashRecoveryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	slow := newWorlds(t, world.SimOptions{Latency: 15 * time.Millisecond})

	c1, err := NewController(testConfig(dir), slow)
	require.NoError(t, err)
	require.NoError(t, c1.Start(context.Background()))

	snap, err := c1.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 6})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := c1.Status(snap.ID)
		return s.Generated >= 10
	}, 5*time.Second, 5*time.Millisecond)
	c1.Stop()

	persisted := loadDocument(t, dir).Jobs[snap.ID]
	require.GreaterOrEqual(t, persisted.Generated, int64(10))
	require.False(t, persisted.Finished)

	// second process: worlds already hold the generated cells
	cfg := testConfig(dir)
	cfg.ResumeDelay = time.Second
	c2, err := NewController(cfg, slow)
	require.NoError(t, err)
	require.NoError(t, c2.Start(context.Background()))
	defer c2.Stop()

	resumed, err := c2.Status(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, persisted.Generated, resumed.Generated)
	assert.Equal(t, int64(169), resumed.Total)

	done := waitForStatus(t, c2, snap.ID, types.StatusFinished)
	assert.Equal(t, int64(169), done.Generated)
}

// ============================================================================
// Loops, Metrics and Status
// ============================================================================

func TestBroadcastProgress(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	c := createTestController(t, dir, newWorlds(t, world.SimOptions{Latency: 50 * time.Millisecond}), WithNotifier(rec))

	a, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 10})
	require.NoError(t, err)
	b, err := c.StartJob(context.Background(), StartRequest{World: "nether", Radius: 10})
	require.NoError(t, err)
	_, err = c.Pause(b.ID)
	require.NoError(t, err)
	_, err = c.Cancel(a.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, c.broadcastProgress())
	require.Eventually(t, func() bool {
		return len(rec.ofType(notify.EventJobProgress)) == 1
	}, time.Second, 5*time.Millisecond)

	e := rec.ofType(notify.EventJobProgress)[0]
	assert.Equal(t, b.ID, e.JobID)
	assert.True(t, e.Paused)
}

func TestMetricsAreRecorded(t *testing.T) {
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	c := createTestController(t, dir, newWorlds(t, world.SimOptions{}), WithMetrics(metrics.NewCollector(reg)))

	_, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 1})
	require.NoError(t, err)

	gather := func() map[string]float64 {
		families, err := reg.Gather()
		require.NoError(t, err)
		values := map[string]float64{}
		for _, mf := range families {
			for _, m := range mf.GetMetric() {
				switch {
				case m.GetCounter() != nil:
					values[mf.GetName()] += m.GetCounter().GetValue()
				case m.GetGauge() != nil:
					values[mf.GetName()] += m.GetGauge().GetValue()
				}
			}
		}
		return values
	}

	var values map[string]float64
	require.Eventually(t, func() bool {
		values = gather()
		return values["pregen_jobs_finished_total"] == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, values["pregen_jobs_started_total"])
	assert.Equal(t, 1.0, values["pregen_jobs_finished_total"])
	assert.Equal(t, 9.0, values["pregen_cells_generated_total"])
	assert.Equal(t, 0.0, values["pregen_jobs_active"])
}

func TestGetStatus(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, newWorlds(t, world.SimOptions{Latency: 50 * time.Millisecond}))

	_, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 5})
	require.NoError(t, err)

	status := c.GetStatus()
	for _, key := range []string{"uptime", "jobs", "running", "paused", "cancelled", "finished", "attached", "in_flight", "wal_seq"} {
		assert.Contains(t, status, key)
	}
	assert.Equal(t, 1, status["jobs"])
	assert.Equal(t, 1, status["attached"])
	assert.Equal(t, []string{"nether", "overworld"}, c.Worlds())
}

func TestStopPersistsProgress(t *testing.T) {
	dir := t.TempDir()
	c, err := NewController(testConfig(dir), newWorlds(t, world.SimOptions{Latency: 10 * time.Millisecond}))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	snap, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 8})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := c.Status(snap.ID)
		return s.Generated > 0
	}, 5*time.Second, 5*time.Millisecond)

	c.Stop()
	final, err := c.Status(snap.ID)
	require.NoError(t, err)

	record := loadDocument(t, dir).Jobs[snap.ID]
	assert.Equal(t, final.Generated, record.Generated)
	assert.False(t, record.Finished)
	assert.Equal(t, 0, c.jobManager.AttachedCount())
}

// slowMirror 每次上傳都要等待 delay
type slowMirror struct {
	delay time.Duration
	puts  atomic.Int32
}

func (m *slowMirror) Put(context.Context, []byte) error {
	time.Sleep(m.delay)
	m.puts.Add(1)
	return nil
}

func (m *slowMirror) Get(context.Context) ([]byte, error) {
	return nil, snapshot.ErrSnapshotNotFound
}

func TestSlowMirrorDoesNotStallGeneration(t *testing.T) {
	dir := t.TempDir()
	mirror := &slowMirror{delay: time.Second}
	worlds := newWorlds(t, world.SimOptions{Latency: time.Millisecond})
	c := createTestController(t, dir, worlds, WithSnapshotMirror(mirror))

	big, err := c.StartJob(context.Background(), StartRequest{World: "nether", Radius: 30})
	require.NoError(t, err)

	start := time.Now()
	small, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 0})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "commands do not wait for the mirror")

	// 小任務完成後的收尾與鏡像上傳不影響其他任務的 tick
	waitForStatus(t, c, small.ID, types.StatusFinished)
	before, err := c.Status(big.ID)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	after, err := c.Status(big.ID)
	require.NoError(t, err)
	assert.Greater(t, after.Generated, before.Generated)
	assert.Equal(t, types.StatusRunning, after.Status)
}

func TestStopReturnsWhileWorldIsBacklogged(t *testing.T) {
	dir := t.TempDir()
	worlds := newWorlds(t, world.SimOptions{Workers: 1, Latency: 500 * time.Millisecond})
	c, err := NewController(testConfig(dir), worlds)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 3})
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	c.Stop()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, c.jobManager.AttachedCount())
}

func TestConcurrentCommands(t *testing.T) {
	dir := t.TempDir()
	c := createTestController(t, dir, newWorlds(t, world.SimOptions{Latency: 5 * time.Millisecond}))

	var wg sync.WaitGroup
	ids := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 3})
			if assert.NoError(t, err) {
				ids <- snap.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	i := 0
	for id := range ids {
		if i%2 == 0 {
			_, err := c.Cancel(id)
			assert.NoError(t, err)
		}
		i++
	}

	require.Eventually(t, func() bool { return len(c.Active()) == 0 }, 10*time.Second, 10*time.Millisecond)
	assert.Len(t, c.List(), 16)
	assert.Len(t, loadDocument(t, dir).Jobs, 16)
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrJobNotFound, "Job not found or already finished."},
		{ErrJobTerminal, "Job not found or already finished."},
		{errors.New("disk on fire"), "Internal error: disk on fire"},
		{ErrControllerStopped, "The pre-generator is shutting down."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Describe(tt.err))
	}

	dir := t.TempDir()
	c := createTestController(t, dir, newWorlds(t, world.SimOptions{}))
	_, err := c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 100})
	assert.Equal(t, "Invalid radius: must be between 0 and 64, got 100.", Describe(err))
	_, err = c.StartJob(context.Background(), StartRequest{World: "overworld", Radius: 1, Shape: "hex"})
	assert.Equal(t, `Invalid shape: "hex"; use square or disc.`, Describe(err))
	_, err = c.StartJob(context.Background(), StartRequest{World: "atlantis", Radius: 1})
	assert.Equal(t, `World not found: "atlantis".`, Describe(err))
}
