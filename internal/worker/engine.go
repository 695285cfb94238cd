// Package worker runs the migration loop: operating-hours gate, progress
// report, batch selection and the all-or-nothing batch transaction.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/migrator/internal/config"
	"github.com/ehr/migrator/internal/domain/migration"
	"github.com/ehr/migrator/internal/platform/scheduling"
	"github.com/ehr/migrator/internal/platform/telemetry"
)

var (
	// ErrConnectivity wraps failures to read the pending batch.
	ErrConnectivity = errors.New("connectivity failure")
	// ErrBatchFailed wraps any failure between begin and commit.
	ErrBatchFailed = errors.New("batch failed")
)

// Outcome is how a cycle ended.
type Outcome int

const (
	OutcomeGated Outcome = iota
	OutcomeReconnected
	OutcomeReconnectFailed
	OutcomeIdle
	OutcomeCommitted
	OutcomeRolledBack
)

func (o Outcome) String() string {
	switch o {
	case OutcomeGated:
		return "gated"
	case OutcomeReconnected:
		return "reconnected"
	case OutcomeReconnectFailed:
		return "reconnect_failed"
	case OutcomeIdle:
		return "idle"
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Config holds the engine's tunables.
type Config struct {
	BatchSize         int
	SleepBatch        time.Duration
	SleepPatient      time.Duration
	GateWait          time.Duration
	ReconnectWait     time.Duration
	ReconnectFailWait time.Duration
	RecoveryWait      time.Duration
	Window            scheduling.OperatingWindow
	Defaults          migration.WriterDefaults
}

// ConfigFrom maps the process configuration onto engine tunables.
func ConfigFrom(cfg *config.Config) (Config, error) {
	window, err := scheduling.NewOperatingWindow(cfg.CheckOperatingHours, cfg.OperatingTimezone)
	if err != nil {
		return Config{}, err
	}
	return Config{
		BatchSize:         cfg.BatchSize,
		SleepBatch:        cfg.SleepBatchDuration(),
		SleepPatient:      cfg.SleepPatientDuration(),
		GateWait:          cfg.GateWait,
		ReconnectWait:     cfg.ReconnectWait,
		ReconnectFailWait: cfg.ReconnectFailWait,
		RecoveryWait:      cfg.RecoveryWait,
		Window:            window,
		Defaults: migration.WriterDefaults{
			UserID:         cfg.MigrationUserID,
			CompanyID:      cfg.CompanyID,
			ProfessionalID: cfg.ProfessionalID,
			DoctorID:       cfg.DoctorID,
			VisitTypeID:    cfg.VisitTypeID,
			Terminal:       cfg.MigrationTerminal,
		},
	}, nil
}

// Engine processes pending patients in batches, one transaction per batch.
// It is strictly sequential: the id allocator and the batch transaction
// both assume a single writer.
type Engine struct {
	cfg     Config
	store   Store
	dial    Dialer
	metrics *telemetry.MigrationMetrics
	logger  zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	batches         int
	sessionMigrated int
}

func New(cfg Config, store Store, dial Dialer, metrics *telemetry.MigrationMetrics, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   store,
		dial:    dial,
		metrics: metrics,
		logger:  logger.With().Str("component", "engine").Logger(),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SessionTotals returns the batches committed and attachments written
// since the engine started.
func (e *Engine) SessionTotals() (batches, migrated int) {
	return e.batches, e.sessionMigrated
}

// Run loops over cycles until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logStartup()
	for {
		outcome, wait := e.RunCycle(ctx)
		e.metrics.RecordCycle(outcome.String())
		if ctx.Err() != nil {
			break
		}
		if err := e.sleep(ctx, wait); err != nil {
			break
		}
	}
	e.logger.Info().Int("batches", e.batches).Int("migrated", e.sessionMigrated).Msg("worker stopped")
	return nil
}

// Close closes the current store.
func (e *Engine) Close(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return e.store.Close(ctx)
}

func (e *Engine) logStartup() {
	e.logger.Info().
		Int("batch_size", e.cfg.BatchSize).
		Dur("sleep_batch", e.cfg.SleepBatch).
		Dur("sleep_patient", e.cfg.SleepPatient).
		Str("operating_window", e.cfg.Window.Describe()).
		Msg("migration worker starting")
}

// RunCycle executes one cycle and returns its outcome and the wait before
// the next one.
func (e *Engine) RunCycle(ctx context.Context) (Outcome, time.Duration) {
	now := e.now()
	if e.cfg.Window.State(now) == scheduling.StateGated {
		e.logger.Info().
			Str("local_time", now.In(windowLocation(e.cfg.Window)).Format("Monday 15:04")).
			Dur("wait", e.cfg.GateWait).
			Msg("outside operating hours")
		return OutcomeGated, e.cfg.GateWait
	}

	start := time.Now()
	e.reportStats(ctx)

	patients, err := e.store.PendingPatients(ctx, e.cfg.BatchSize)
	if err != nil {
		return e.reconnect(ctx, fmt.Errorf("%w: %w", ErrConnectivity, err))
	}

	if len(patients) == 0 {
		e.logger.Info().
			Dur("wait", e.cfg.SleepBatch).
			Int("session_migrated", e.sessionMigrated).
			Msg("queue empty")
		return OutcomeIdle, e.cfg.SleepBatch
	}

	e.logger.Info().Int("batch", e.batches+1).Int("patients", len(patients)).Msg("processing batch")
	written, err := e.runBatch(ctx, patients)
	elapsed := time.Since(start)
	if err != nil {
		e.metrics.RecordBatch(OutcomeRolledBack.String(), elapsed)
		e.logger.Error().Err(err).Dur("wait", e.cfg.RecoveryWait).Msg("batch rolled back")
		return OutcomeRolledBack, e.cfg.RecoveryWait
	}

	e.batches++
	e.sessionMigrated += written
	e.metrics.RecordBatch(OutcomeCommitted.String(), elapsed)
	e.logger.Info().
		Int("batch", e.batches).
		Int("migrated", written).
		Int("session_migrated", e.sessionMigrated).
		Str("elapsed", fmt.Sprintf("%.2fs", elapsed.Seconds())).
		Dur("wait", e.cfg.SleepBatch).
		Msg("batch committed")
	return OutcomeCommitted, e.cfg.SleepBatch
}

func windowLocation(w scheduling.OperatingWindow) *time.Location {
	if w.Location == nil {
		return time.Local
	}
	return w.Location
}

func (e *Engine) reportStats(ctx context.Context) {
	stats, err := e.store.Stats(ctx)
	if err != nil {
		e.metrics.RecordStatsError()
		e.logger.Warn().Err(err).Msg("failed to read progress")
		return
	}
	e.metrics.SetProgress(stats.MigratedImages, stats.MigratedPDFs, stats.PendingImages, stats.PendingPDFs)
	e.logger.Info().
		Int64("total", stats.Migrated()+stats.Pending()).
		Int64("migrated_images", stats.MigratedImages).
		Int64("migrated_pdfs", stats.MigratedPDFs).
		Int64("pending_images", stats.PendingImages).
		Int64("pending_pdfs", stats.PendingPDFs).
		Msg("progress")
}

// reconnect waits, then replaces the store with a fresh connection.
func (e *Engine) reconnect(ctx context.Context, cause error) (Outcome, time.Duration) {
	e.logger.Warn().Err(cause).Dur("wait", e.cfg.ReconnectWait).Msg("reconnecting")
	if err := e.sleep(ctx, e.cfg.ReconnectWait); err != nil {
		return OutcomeReconnectFailed, 0
	}

	store, err := e.dial(ctx)
	if err != nil {
		e.metrics.RecordReconnect(false)
		e.logger.Error().Err(err).Dur("wait", e.cfg.ReconnectFailWait).Msg("reconnect failed")
		return OutcomeReconnectFailed, e.cfg.ReconnectFailWait
	}
	if e.store != nil {
		if err := e.store.Close(ctx); err != nil {
			e.logger.Debug().Err(err).Msg("closing stale connection")
		}
	}
	e.store = store
	e.metrics.RecordReconnect(true)
	e.logger.Info().Msg("reconnected")
	return OutcomeReconnected, 0
}

// runBatch processes every patient inside one transaction and commits once.
// On any failure the whole batch is rolled back.
func (e *Engine) runBatch(ctx context.Context, patients []string) (written int, err error) {
	batch, err := e.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %w", ErrBatchFailed, err)
	}

	defer func() {
		if err == nil {
			return
		}
		cleanup := context.WithoutCancel(ctx)
		if rbErr := batch.Rollback(cleanup); rbErr != nil {
			e.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		written = 0
	}()

	bctx := batch.Context(ctx)
	ids, err := migration.NewIDAllocator(bctx, batch)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBatchFailed, err)
	}
	writer := migration.NewWriter(batch, e.cfg.Defaults)

	for _, code := range patients {
		n, err := e.processPatient(bctx, batch, writer, ids, code)
		if err != nil {
			return 0, fmt.Errorf("%w: patient %s: %w", ErrBatchFailed, code, err)
		}
		written += n
	}

	if err := batch.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit: %w", ErrBatchFailed, err)
	}
	return written, nil
}

// processPatient writes every encounter group of one patient. Explicit-key
// mode is switched off on every exit path, including a failed switch-on.
func (e *Engine) processPatient(ctx context.Context, batch Batch, writer *migration.Writer, ids *migration.IDAllocator, code string) (int, error) {
	patientID, err := strconv.ParseInt(strings.TrimSpace(code), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("patient code is not numeric: %w", err)
	}

	items, err := batch.PendingItems(ctx, code)
	if err != nil {
		return 0, fmt.Errorf("fetch items: %w", err)
	}
	groups, dropped := migration.GroupWithDuplicates(items)
	if len(dropped) > 0 {
		e.metrics.RecordDuplicates(len(dropped))
		e.logger.Warn().Str("patient", code).Strs("origin_ids", dropped).Msg("duplicate source items dropped")
	}
	if len(groups) == 0 {
		return 0, nil
	}

	keys := batch.Keys()
	written, err := func() (int, error) {
		defer keys.Disable(ctx)
		if err := keys.Enable(ctx); err != nil {
			return 0, err
		}
		written := 0
		months := map[string]struct{}{}
		for _, g := range groups {
			res, err := writer.WriteGroup(ctx, patientID, g, ids)
			if err != nil {
				return 0, fmt.Errorf("group %s on %s: %w", g.Key.ProcedureCode, g.Key.Day, err)
			}
			e.metrics.RecordGroup(res.Abandoned, res.Written, res.Skipped)
			e.logGroup(code, g, res)
			written += res.Written
			for _, m := range res.Months {
				months[m] = struct{}{}
			}
		}
		e.logger.Info().
			Str("patient", code).
			Int("migrated", written).
			Strs("refs", sortedKeys(months)).
			Msg("patient migrated")
		return written, nil
	}()
	if err != nil {
		return 0, err
	}

	e.metrics.RecordPatient()
	if err := e.sleep(ctx, e.cfg.SleepPatient); err != nil {
		return 0, err
	}
	return written, nil
}

func (e *Engine) logGroup(code string, g migration.EncounterGroup, res migration.GroupResult) {
	if res.Abandoned {
		e.logger.Info().
			Str("patient", code).
			Str("procedure", g.Key.ProcedureCode).
			Int("items", len(g.Items)).
			Msg("group skipped: header has no payload or timestamp")
		return
	}
	e.logger.Info().
		Str("patient", code).
		Str("procedure", g.Key.ProcedureCode).
		Str("day", g.Header.Timestamp.Format("02/01/2006")).
		Int("items", len(g.Items)).
		Int64("visit_id", res.VisitID).
		Int64("invoice_id", res.InvoiceID).
		Msg("group written")
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
