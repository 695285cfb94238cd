package worker

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/migrator/internal/domain/migration"
	"github.com/ehr/migrator/internal/platform/db"
)

type pgStore struct {
	conn   *pgx.Conn
	repo   *migration.RepoPG
	logger zerolog.Logger
}

// NewPGStore wraps a dedicated connection. The store owns conn.
func NewPGStore(conn *pgx.Conn, logger zerolog.Logger) Store {
	return &pgStore{conn: conn, repo: migration.NewRepo(conn), logger: logger}
}

// DialPG returns a Dialer that opens a fresh connection with no statement
// timeout and the schema's search path.
func DialPG(databaseURL, schema string, logger zerolog.Logger) Dialer {
	return func(ctx context.Context) (Store, error) {
		conn, err := db.Connect(ctx, databaseURL, schema)
		if err != nil {
			return nil, err
		}
		return NewPGStore(conn, logger), nil
	}
}

func (s *pgStore) Stats(ctx context.Context) (migration.Stats, error) {
	return s.repo.Stats(ctx)
}

func (s *pgStore) PendingPatients(ctx context.Context, limit int) ([]string, error) {
	return s.repo.PendingPatients(ctx, limit)
}

func (s *pgStore) Begin(ctx context.Context) (Batch, error) {
	keys, err := db.NewExplicitKeys(s.logger, db.ExplicitKeyTables()...)
	if err != nil {
		return nil, err
	}
	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &pgBatch{RepoPG: s.repo, tx: tx, keys: keys}, nil
}

func (s *pgStore) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

type pgBatch struct {
	*migration.RepoPG
	tx   pgx.Tx
	keys *db.ExplicitKeys
}

func (b *pgBatch) Context(ctx context.Context) context.Context {
	return db.ContextWithExplicitKeys(db.ContextWithTx(ctx, b.tx), b.keys)
}

func (b *pgBatch) Keys() KeySwitch {
	return b.keys
}

func (b *pgBatch) Commit(ctx context.Context) error {
	if err := b.keys.Reseed(ctx, b.tx); err != nil {
		return err
	}
	return b.tx.Commit(ctx)
}

func (b *pgBatch) Rollback(ctx context.Context) error {
	return b.tx.Rollback(ctx)
}
