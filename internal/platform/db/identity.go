package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Execer runs a statement without returning rows.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// ErrTableNotAllowed is returned for tables outside the explicit-key allow-list.
var ErrTableNotAllowed = errors.New("table is not allowed for explicit-key insertion")

// explicitKeyColumns lists the identity columns the migration writes
// explicit values into. Table names interpolated into SQL come only from here.
var explicitKeyColumns = map[string]string{
	"tblatendimento": "intatendimentoid",
	"tbllaudoimagem": "intlaudoimagemid",
}

// ExplicitKeyTables returns the allow-listed tables in a stable order.
func ExplicitKeyTables() []string {
	return []string{"tblatendimento", "tbllaudoimagem"}
}

// OverridingSystemValue is the INSERT clause that lets a caller-supplied
// key through a GENERATED ALWAYS identity column.
const OverridingSystemValue = "OVERRIDING SYSTEM VALUE"

// KeyMode is the state of explicit-key insertion for one table.
type KeyMode int

const (
	KeyModeOff KeyMode = iota
	KeyModePendingOn
	KeyModeOn
	KeyModePendingOff
)

func (m KeyMode) String() string {
	switch m {
	case KeyModeOff:
		return "off"
	case KeyModePendingOn:
		return "pending-on"
	case KeyModeOn:
		return "on"
	case KeyModePendingOff:
		return "pending-off"
	default:
		return fmt.Sprintf("KeyMode(%d)", int(m))
	}
}

// ExplicitKeys tracks, per table, whether inserts may carry their own
// primary key. The mode lives in memory only: inserts made while a table
// is on add OVERRIDING SYSTEM VALUE, and the column definition is never
// altered, so no table lock is taken beyond the row locks of the inserts.
//
// Keys written this way do not advance the identity sequence. Reseed moves
// the sequence past them and must run inside the same transaction, before
// commit.
type ExplicitKeys struct {
	tables  []string
	modes   map[string]KeyMode
	touched map[string]bool
	logger  zerolog.Logger
}

// NewExplicitKeys prepares toggles for tables, which must all be allow-listed.
func NewExplicitKeys(logger zerolog.Logger, tables ...string) (*ExplicitKeys, error) {
	modes := make(map[string]KeyMode, len(tables))
	for _, t := range tables {
		if _, ok := explicitKeyColumns[t]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrTableNotAllowed, t)
		}
		modes[t] = KeyModeOff
	}
	return &ExplicitKeys{
		tables:  tables,
		modes:   modes,
		touched: make(map[string]bool, len(tables)),
		logger:  logger,
	}, nil
}

// Mode returns the current mode of table.
func (k *ExplicitKeys) Mode(table string) KeyMode {
	return k.modes[table]
}

// Enable switches every table to explicit-key mode. It fails only when the
// context is already done, leaving the remaining tables pending-on so
// Disable still reverts them.
func (k *ExplicitKeys) Enable(ctx context.Context) error {
	for _, t := range k.tables {
		if k.modes[t] == KeyModeOn {
			continue
		}
		k.modes[t] = KeyModePendingOn
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("enable explicit keys on %s: %w", t, err)
		}
		k.modes[t] = KeyModeOn
		k.touched[t] = true
	}
	return nil
}

// Disable reverts every table that is not already off.
func (k *ExplicitKeys) Disable(context.Context) {
	for _, t := range k.tables {
		if k.modes[t] == KeyModeOff {
			continue
		}
		k.modes[t] = KeyModeOff
	}
}

// Overriding reports whether inserts into table carry an explicit key.
func (k *ExplicitKeys) Overriding(table string) bool {
	return k != nil && k.modes[table] == KeyModeOn
}

// Reseed moves the identity sequence of every table that was switched on
// past the highest key in the table. The sequence never moves backwards.
func (k *ExplicitKeys) Reseed(ctx context.Context, conn Execer) error {
	for _, t := range k.tables {
		if !k.touched[t] {
			continue
		}
		column := explicitKeyColumns[t]
		stmt := fmt.Sprintf(`
			SELECT setval(s.seq, GREATEST(
				(SELECT COALESCE(MAX(%[2]s), 0) FROM %[1]s),
				COALESCE(pg_sequence_last_value(s.seq), 0)) + 1, false)
			FROM (SELECT pg_get_serial_sequence('%[1]s', '%[2]s')::regclass AS seq) s`,
			t, column)
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("reseed identity of %s: %w", t, err)
		}
		k.logger.Debug().Str("table", t).Msg("identity sequence reseeded")
	}
	return nil
}

const keysKey contextKey = "db_explicit_keys"

// ContextWithExplicitKeys stores k in ctx for the repository inserts.
func ContextWithExplicitKeys(ctx context.Context, k *ExplicitKeys) context.Context {
	return context.WithValue(ctx, keysKey, k)
}

// ExplicitKeysFromContext returns the toggles stored in ctx, or nil.
func ExplicitKeysFromContext(ctx context.Context) *ExplicitKeys {
	k, _ := ctx.Value(keysKey).(*ExplicitKeys)
	return k
}

// OverridingClause returns OverridingSystemValue when the toggles in ctx
// have table on, and an empty string otherwise.
func OverridingClause(ctx context.Context, table string) string {
	if ExplicitKeysFromContext(ctx).Overriding(table) {
		return OverridingSystemValue
	}
	return ""
}
