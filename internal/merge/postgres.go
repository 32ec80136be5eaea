package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spreadeagle/ingest-core/internal/dataset"
	"github.com/spreadeagle/ingest-core/internal/extract"
	"github.com/spreadeagle/ingest-core/pkg/staging"
)

// PostgresStore merges through two schemas: stage tables receive each pull,
// raw tables serve queries. Tables carry the natural key as text columns plus
// the full row as JSONB, so source schema drift never breaks a load.
type PostgresStore struct {
	db          *pgxpool.Pool
	rawSchema   string
	stageSchema string
}

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(db *pgxpool.Pool, rawSchema, stageSchema string) *PostgresStore {
	if rawSchema == "" {
		rawSchema = "cbb_raw"
	}
	if stageSchema == "" {
		stageSchema = "cbb_stage"
	}
	return &PostgresStore{db: db, rawSchema: rawSchema, stageSchema: stageSchema}
}

// Connect opens a pool from a connection string.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func keyColumns(ds *dataset.Descriptor) []string {
	cols := make([]string, len(ds.NaturalKey))
	for i, f := range ds.NaturalKey {
		cols[i] = extract.ToSnakeCase(f)
	}
	return cols
}

func (s *PostgresStore) stageTable(ds *dataset.Descriptor) string {
	return pgx.Identifier{s.stageSchema, ds.Table}.Sanitize()
}

func (s *PostgresStore) rawTable(ds *dataset.Descriptor) string {
	return pgx.Identifier{s.rawSchema, ds.Table}.Sanitize()
}

// Provision creates the schemas and both tables if missing. DDL is
// idempotent, so every run can provision unconditionally.
func (s *PostgresStore) Provision(ctx context.Context, ds *dataset.Descriptor) error {
	for _, schema := range []string{s.rawSchema, s.stageSchema} {
		if _, err := s.db.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize())); err != nil {
			return fmt.Errorf("create schema %s: %w", schema, err)
		}
	}

	cols := keyColumns(ds)
	defs := make([]string, 0, len(cols)+3)
	for _, c := range cols {
		defs = append(defs, fmt.Sprintf("%s TEXT NOT NULL", pgx.Identifier{c}.Sanitize()))
	}
	defs = append(defs,
		"payload JSONB NOT NULL",
		"load_date DATE",
		"last_modified TIMESTAMPTZ NOT NULL DEFAULT now()",
	)

	stageDDL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.stageTable(ds), strings.Join(defs, ", "))
	if _, err := s.db.Exec(ctx, stageDDL); err != nil {
		return fmt.Errorf("create stage table %s: %w", ds.Table, err)
	}

	pk := make([]string, len(cols))
	for i, c := range cols {
		pk[i] = pgx.Identifier{c}.Sanitize()
	}
	rawDDL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))",
		s.rawTable(ds), strings.Join(defs, ", "), strings.Join(pk, ", "))
	if _, err := s.db.Exec(ctx, rawDDL); err != nil {
		return fmt.Errorf("create raw table %s: %w", ds.Table, err)
	}
	return nil
}

// LoadStage replaces the stage table's contents with the given rows.
func (s *PostgresStore) LoadStage(ctx context.Context, ds *dataset.Descriptor, rows []staging.RowEnvelope) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("TRUNCATE %s", s.stageTable(ds))); err != nil {
		return 0, fmt.Errorf("truncate stage: %w", err)
	}

	cols := keyColumns(ds)
	insertCols := make([]string, 0, len(cols)+2)
	for _, c := range cols {
		insertCols = append(insertCols, pgx.Identifier{c}.Sanitize())
	}
	insertCols = append(insertCols, "payload", "load_date")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.stageTable(ds), strings.Join(insertCols, ", "), placeholders(len(insertCols)))

	batch := &pgx.Batch{}
	for _, row := range rows {
		args, err := stageArgs(cols, row)
		if err != nil {
			return 0, fmt.Errorf("encode row %s: %w", row.Key, err)
		}
		batch.Queue(stmt, args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("insert stage rows: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit stage load: %w", err)
	}
	return int64(len(rows)), nil
}

func stageArgs(cols []string, row staging.RowEnvelope) ([]any, error) {
	args := make([]any, 0, len(cols)+2)
	for _, c := range cols {
		args = append(args, extract.KeyText(row.Fields[c]))
	}
	payload, err := json.Marshal(row.Fields)
	if err != nil {
		return nil, err
	}
	args = append(args, payload, nullableDate(row.LoadDate))
	return args, nil
}

func nullableDate(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (s *PostgresStore) StageCount(ctx context.Context, ds *dataset.Descriptor) (int64, error) {
	return s.count(ctx, s.stageTable(ds))
}

func (s *PostgresStore) RawCount(ctx context.Context, ds *dataset.Descriptor) (int64, error) {
	return s.count(ctx, s.rawTable(ds))
}

func (s *PostgresStore) count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// TruncateReload replaces the raw table with the stage contents in one
// transaction.
func (s *PostgresStore) TruncateReload(ctx context.Context, ds *dataset.Descriptor) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := reloadLocked(ctx, tx, s.stageTable(ds), s.rawTable(ds), keyColumns(ds))
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reload: %w", err)
	}
	return n, nil
}

// Upsert inserts staged rows into raw, overwriting payload and stamping
// last_modified on conflict. The latest pull wins for repeated keys.
func (s *PostgresStore) Upsert(ctx context.Context, ds *dataset.Descriptor) (int64, error) {
	cols := keyColumns(ds)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	colList := strings.Join(quoted, ", ")

	stmt := fmt.Sprintf(`INSERT INTO %s (%s, payload, load_date, last_modified)
SELECT %s, payload, load_date, now() FROM %s
ON CONFLICT (%s) DO UPDATE SET
  payload = EXCLUDED.payload,
  load_date = EXCLUDED.load_date,
  last_modified = now()`,
		s.rawTable(ds), colList, colList, s.stageTable(ds), colList)

	tag, err := s.db.Exec(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", ds.Table, err)
	}
	return tag.RowsAffected(), nil
}

// SwapStageToRaw reloads every listed raw table from its stage inside a
// single transaction. Any failure rolls back the whole group.
func (s *PostgresStore) SwapStageToRaw(ctx context.Context, descriptors []*dataset.Descriptor) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ds := range descriptors {
		if _, err := reloadLocked(ctx, tx, s.stageTable(ds), s.rawTable(ds), keyColumns(ds)); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit swap: %w", err)
	}
	return nil
}

func reloadLocked(ctx context.Context, tx pgx.Tx, stageTable, rawTable string, cols []string) (int64, error) {
	if _, err := tx.Exec(ctx, fmt.Sprintf("TRUNCATE %s", rawTable)); err != nil {
		return 0, fmt.Errorf("truncate %s: %w", rawTable, err)
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	colList := strings.Join(quoted, ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s, payload, load_date, last_modified) SELECT %s, payload, load_date, now() FROM %s",
		rawTable, colList, colList, stageTable)
	tag, err := tx.Exec(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("reload %s: %w", rawTable, err)
	}
	return tag.RowsAffected(), nil
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ",")
}
