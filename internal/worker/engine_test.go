package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ehr/migrator/internal/domain/migration"
	"github.com/ehr/migrator/internal/platform/scheduling"
	"github.com/ehr/migrator/internal/platform/telemetry"
)

func testConfig() Config {
	return Config{
		BatchSize:         5,
		SleepBatch:        60 * time.Second,
		SleepPatient:      5 * time.Second,
		GateWait:          300 * time.Second,
		ReconnectWait:     10 * time.Second,
		ReconnectFailWait: 30 * time.Second,
		RecoveryWait:      5 * time.Second,
		Defaults:          migration.DefaultWriterDefaults(),
	}
}

type harness struct {
	engine  *Engine
	store   *fakeStore
	metrics *telemetry.MigrationMetrics
	sleeps  []time.Duration
	dials   int
	dialErr error
	next    *fakeStore
}

func newHarness(t *testing.T, db *memDB, cfg Config) *harness {
	t.Helper()
	metrics, err := telemetry.NewMigrationMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	h := &harness{store: newFakeStore(db), metrics: metrics}
	dial := func(context.Context) (Store, error) {
		h.dials++
		if h.dialErr != nil {
			return nil, h.dialErr
		}
		if h.next == nil {
			h.next = newFakeStore(db)
		}
		return h.next, nil
	}
	h.engine = New(cfg, h.store, dial, metrics, zerolog.Nop())
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func at(h, m int) *time.Time {
	t := time.Date(2024, time.January, 5, h, m, 0, 0, time.UTC)
	return &t
}

func src(id, proc string, ts *time.Time) migration.SourceItem {
	return migration.SourceItem{
		OriginID:      id,
		Blob:          []byte("payload-" + id),
		Extension:     "jpg",
		Timestamp:     ts,
		ProcedureCode: proc,
		ProcedureName: "PROC " + proc,
	}
}

func scenarioDB() *memDB {
	db := newMemDB()
	db.add("7", src("1", "100", at(8, 0)), src("2", "100", at(9, 0)), src("3", "200", at(10, 0)))
	return db
}

func TestRunCycle_Gated(t *testing.T) {
	cfg := testConfig()
	cfg.Window = scheduling.OperatingWindow{Enabled: true, Location: time.UTC}
	h := newHarness(t, scenarioDB(), cfg)
	// Wednesday noon.
	h.engine.now = func() time.Time { return time.Date(2024, time.January, 3, 12, 0, 0, 0, time.UTC) }

	outcome, wait := h.engine.RunCycle(context.Background())

	assert.Equal(t, OutcomeGated, outcome)
	assert.Equal(t, 300*time.Second, wait)
	assert.Zero(t, h.store.statsCalls)
}

func TestRunCycle_RunsInsideWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Window = scheduling.OperatingWindow{Enabled: true, Location: time.UTC}
	h := newHarness(t, scenarioDB(), cfg)
	// Saturday noon.
	h.engine.now = func() time.Time { return time.Date(2024, time.January, 6, 12, 0, 0, 0, time.UTC) }

	outcome, _ := h.engine.RunCycle(context.Background())
	assert.Equal(t, OutcomeCommitted, outcome)
}

func TestRunCycle_Idle(t *testing.T) {
	h := newHarness(t, newMemDB(), testConfig())

	outcome, wait := h.engine.RunCycle(context.Background())

	assert.Equal(t, OutcomeIdle, outcome)
	assert.Equal(t, 60*time.Second, wait)
	assert.Equal(t, 1, h.store.statsCalls)
}

func TestRunCycle_EndToEnd(t *testing.T) {
	db := scenarioDB()
	h := newHarness(t, db, testConfig())

	outcome, wait := h.engine.RunCycle(context.Background())

	require.Equal(t, OutcomeCommitted, outcome)
	assert.Equal(t, 60*time.Second, wait)
	assert.Len(t, db.visits, 2)
	assert.Len(t, db.invoices, 2)
	assert.Len(t, db.reports, 2)
	assert.Len(t, db.attachments, 3)
	assert.Len(t, db.ledger, 3)
	for i := range db.reports {
		assert.Equal(t, db.invoices[i].ID, db.reports[i].ID)
	}
	assert.Equal(t, 1, h.store.enabled)
	assert.Equal(t, 1, h.store.disabled)
	assert.Equal(t, []time.Duration{5 * time.Second}, h.sleeps, "pacing sleep after the patient")

	batches, migrated := h.engine.SessionTotals()
	assert.Equal(t, 1, batches)
	assert.Equal(t, 3, migrated)

	outcome, _ = h.engine.RunCycle(context.Background())
	assert.Equal(t, OutcomeIdle, outcome, "ledgered items are not selected again")
}

func TestRunCycle_RollbackDiscardsWholeBatch(t *testing.T) {
	db := scenarioDB()
	db.add("8", src("4", "300", at(11, 0)), src("5", "300", at(12, 0)))
	h := newHarness(t, db, testConfig())
	// Patient 7 writes three attachments; the fifth insert belongs to patient 8.
	h.store.failAttachment = 5

	outcome, wait := h.engine.RunCycle(context.Background())

	assert.Equal(t, OutcomeRolledBack, outcome)
	assert.Equal(t, 5*time.Second, wait)
	assert.Empty(t, db.visits)
	assert.Empty(t, db.attachments)
	assert.Empty(t, db.ledger)
	assert.Equal(t, 1, h.store.rolledBack)
	assert.Equal(t, 2, h.store.disabled, "keys are disabled for both patients, including the failing one")
	batches, migrated := h.engine.SessionTotals()
	assert.Zero(t, batches)
	assert.Zero(t, migrated)

	h.store.failAttachment = 0
	outcome, _ = h.engine.RunCycle(context.Background())

	require.Equal(t, OutcomeCommitted, outcome)
	assert.Len(t, db.visits, 3)
	assert.Len(t, db.attachments, 5)
	assert.Len(t, db.ledger, 5)
}

func TestRunCycle_NonNumericPatientRollsBack(t *testing.T) {
	db := newMemDB()
	db.add("ABC", src("1", "100", at(8, 0)))
	h := newHarness(t, db, testConfig())

	outcome, _ := h.engine.RunCycle(context.Background())

	assert.Equal(t, OutcomeRolledBack, outcome)
	assert.Equal(t, 1, h.store.rolledBack)
}

func TestRunBatch_WrapsBatchFailed(t *testing.T) {
	db := newMemDB()
	db.add("ABC", src("1", "100", at(8, 0)))
	h := newHarness(t, db, testConfig())

	_, err := h.engine.runBatch(context.Background(), []string{"ABC"})
	assert.True(t, errors.Is(err, ErrBatchFailed))
}

func TestRunCycle_EnableFailureStillDisables(t *testing.T) {
	db := scenarioDB()
	h := newHarness(t, db, testConfig())
	h.store.enableErr = errors.New("permission denied")

	outcome, _ := h.engine.RunCycle(context.Background())

	assert.Equal(t, OutcomeRolledBack, outcome)
	assert.Equal(t, 1, h.store.disabled)
	assert.Empty(t, db.ledger)
}

func TestRunCycle_BeginFailureRollsBackWithoutBatch(t *testing.T) {
	h := newHarness(t, scenarioDB(), testConfig())
	h.store.beginErr = errors.New("conn busy")

	outcome, wait := h.engine.RunCycle(context.Background())

	assert.Equal(t, OutcomeRolledBack, outcome)
	assert.Equal(t, 5*time.Second, wait)
	assert.Zero(t, h.store.rolledBack)
}

func TestRunCycle_StatsFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, scenarioDB(), testConfig())
	h.store.statsErr = errors.New("stats timeout")

	outcome, _ := h.engine.RunCycle(context.Background())
	assert.Equal(t, OutcomeCommitted, outcome)
}

func TestRunCycle_ReconnectSuccess(t *testing.T) {
	db := scenarioDB()
	h := newHarness(t, db, testConfig())
	old := h.store
	old.pendingErr = errors.New("connection reset by peer")

	outcome, wait := h.engine.RunCycle(context.Background())

	assert.Equal(t, OutcomeReconnected, outcome)
	assert.Zero(t, wait)
	assert.Equal(t, []time.Duration{10 * time.Second}, h.sleeps)
	assert.Equal(t, 1, h.dials)
	assert.True(t, old.closed)
	assert.Empty(t, db.ledger, "nothing is processed in a reconnect cycle")

	outcome, _ = h.engine.RunCycle(context.Background())
	assert.Equal(t, OutcomeCommitted, outcome, "the next cycle uses the new connection")
	assert.Len(t, db.ledger, 3)
}

func TestRunCycle_ReconnectFailure(t *testing.T) {
	h := newHarness(t, scenarioDB(), testConfig())
	h.store.pendingErr = errors.New("connection refused")
	h.dialErr = errors.New("connection refused")

	outcome, wait := h.engine.RunCycle(context.Background())

	assert.Equal(t, OutcomeReconnectFailed, outcome)
	assert.Equal(t, 30*time.Second, wait)
	assert.False(t, h.store.closed)
}

func TestRunCycle_DuplicatesAreDroppedAndCounted(t *testing.T) {
	db := newMemDB()
	db.add("7", src("1", "100", at(8, 0)), src("1", "100", at(8, 0)), src("2", "100", at(9, 0)))
	h := newHarness(t, db, testConfig())

	outcome, _ := h.engine.RunCycle(context.Background())

	require.Equal(t, OutcomeCommitted, outcome)
	assert.Len(t, db.attachments, 2)
	assert.Len(t, db.ledger, 2)
}

func TestRunCycle_AbandonedGroupOnlyLedgers(t *testing.T) {
	db := newMemDB()
	noPayload := src("1", "100", at(8, 0))
	noPayload.Blob = nil
	db.add("7", noPayload, src("2", "100", at(9, 0)))
	h := newHarness(t, db, testConfig())

	outcome, _ := h.engine.RunCycle(context.Background())

	require.Equal(t, OutcomeCommitted, outcome)
	assert.Empty(t, db.visits)
	assert.Empty(t, db.attachments)
	assert.Len(t, db.ledger, 2)
}

func TestRunCycle_CancelledDuringPacingRollsBack(t *testing.T) {
	db := scenarioDB()
	h := newHarness(t, db, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	outcome, _ := h.engine.RunCycle(ctx)

	assert.Equal(t, OutcomeRolledBack, outcome)
	assert.Empty(t, db.ledger)
	assert.Equal(t, 1, h.store.rolledBack)
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, newMemDB(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cycles := 0
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		cycles++
		if cycles == 3 {
			cancel()
		}
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
	assert.Equal(t, 3, cycles)
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "rolled_back", OutcomeRolledBack.String())
	assert.Equal(t, "Outcome(42)", Outcome(42).String())
}
