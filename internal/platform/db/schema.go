package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

type contextKey string

const txKey contextKey = "db_tx"

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether name can be interpolated into DDL as a
// bare schema, table or column name.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// SearchPath returns the search_path value that resolves unqualified
// legacy table names in schema first.
func SearchPath(schema string) (string, error) {
	if !ValidIdentifier(schema) {
		return "", fmt.Errorf("invalid schema identifier: %q", schema)
	}
	if schema == "public" {
		return "public", nil
	}
	return fmt.Sprintf("%s, public", schema), nil
}

// ContextWithTx attaches the batch transaction to ctx so repositories
// built on the bare connection run their statements inside it.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// TxFromContext retrieves the batch transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// CreateSchema creates schema if it does not exist yet.
func CreateSchema(ctx context.Context, conn Execer, schema string) error {
	if !ValidIdentifier(schema) {
		return fmt.Errorf("invalid schema identifier: %q", schema)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}
