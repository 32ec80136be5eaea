package merge

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spreadeagle/ingest-core/internal/dataset"
	"github.com/spreadeagle/ingest-core/pkg/staging"
)

func skipIfNoDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("INGEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("Skipping integration test: INGEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := Connect(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func testStore(t *testing.T, pool *pgxpool.Pool) *PostgresStore {
	t.Helper()
	// Unique schemas per test run keep concurrent CI jobs apart.
	suffix := time.Now().UnixNano() % 1_000_000
	raw := fmt.Sprintf("test_raw_%d", suffix)
	stage := fmt.Sprintf("test_stage_%d", suffix)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, schema := range []string{raw, stage} {
			_, _ = pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %q CASCADE", schema))
		}
	})
	return NewPostgresStore(pool, raw, stage)
}

func lineRow(gameID, provider string, spread float64, loadDate string) staging.RowEnvelope {
	return staging.RowEnvelope{
		Dataset:  "lines",
		LoadDate: loadDate,
		Key:      gameID + "|" + provider,
		Fields:   map[string]any{"game_id": gameID, "provider": provider, "spread": spread},
	}
}

func linesDescriptor() *dataset.Descriptor {
	return &dataset.Descriptor{
		Name:       "lines",
		Endpoint:   "/lines",
		Table:      "betting_lines",
		NaturalKey: []string{"gameId", "provider"},
		Strategy:   dataset.StrategyUpsert,
	}
}

func TestStageArgs_Unit_NumericKeyColumnsStayDecimal(t *testing.T) {
	row := staging.RowEnvelope{
		Dataset:  "lines",
		LoadDate: "2025-01-15",
		Key:      "401234567|Bovada",
		Fields:   map[string]any{"game_id": float64(401234567), "provider": "Bovada", "spread": -3.5},
	}
	args, err := stageArgs([]string{"game_id", "provider"}, row)
	if err != nil {
		t.Fatalf("stageArgs: %v", err)
	}
	if args[0] != "401234567" {
		t.Errorf("game_id column = %v, the serving key must stay a plain nine-digit id", args[0])
	}
	if args[1] != "Bovada" {
		t.Errorf("provider column = %v", args[1])
	}
}

func TestPostgresStore_Integration_UpsertLatestWins(t *testing.T) {
	pool := skipIfNoDatabase(t)
	store := testStore(t, pool)
	ctx := context.Background()
	ds := linesDescriptor()

	if err := store.Provision(ctx, ds); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	rows := []staging.RowEnvelope{
		lineRow("101", "Bovada", -3.5, "2025-01-14"),
		lineRow("101", "DraftKings", -4.0, "2025-01-14"),
	}
	if _, err := store.LoadStage(ctx, ds, rows); err != nil {
		t.Fatalf("LoadStage: %v", err)
	}
	if _, err := store.Upsert(ctx, ds); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Second pull revises one line; the upsert must overwrite it.
	if _, err := store.LoadStage(ctx, ds, []staging.RowEnvelope{lineRow("101", "Bovada", -2.5, "2025-01-15")}); err != nil {
		t.Fatalf("LoadStage second pull: %v", err)
	}
	if _, err := store.Upsert(ctx, ds); err != nil {
		t.Fatalf("Upsert second pull: %v", err)
	}

	n, err := store.RawCount(ctx, ds)
	if err != nil {
		t.Fatalf("RawCount: %v", err)
	}
	if n != 2 {
		t.Errorf("raw holds %d rows, want 2", n)
	}

	var spread float64
	stmt := fmt.Sprintf("SELECT (payload->>'spread')::float8 FROM %s WHERE game_id = '101' AND provider = 'Bovada'", store.rawTable(ds))
	if err := pool.QueryRow(ctx, stmt).Scan(&spread); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if spread != -2.5 {
		t.Errorf("spread = %v, latest pull should win", spread)
	}
}

func TestPostgresStore_Integration_LoadStageReplaces(t *testing.T) {
	pool := skipIfNoDatabase(t)
	store := testStore(t, pool)
	ctx := context.Background()
	ds := linesDescriptor()

	if err := store.Provision(ctx, ds); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if _, err := store.LoadStage(ctx, ds, []staging.RowEnvelope{
		lineRow("1", "Bovada", 1, "2025-01-15"),
		lineRow("2", "Bovada", 2, "2025-01-15"),
	}); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if _, err := store.LoadStage(ctx, ds, []staging.RowEnvelope{lineRow("3", "Bovada", 3, "2025-01-15")}); err != nil {
		t.Fatalf("second load: %v", err)
	}
	n, err := store.StageCount(ctx, ds)
	if err != nil {
		t.Fatalf("StageCount: %v", err)
	}
	if n != 1 {
		t.Errorf("stage holds %d rows, reload should replace", n)
	}
}

func TestPostgresStore_Integration_SwapIsTransactional(t *testing.T) {
	pool := skipIfNoDatabase(t)
	store := testStore(t, pool)
	ctx := context.Background()

	teamStats := &dataset.Descriptor{Name: "team_season_stats", Endpoint: "/stats/team/season", Table: "team_season_stats", NaturalKey: []string{"teamId", "season"}, Strategy: dataset.StrategySwap}
	playerStats := &dataset.Descriptor{Name: "player_season_stats", Endpoint: "/stats/player/season", Table: "player_season_stats", NaturalKey: []string{"athleteId", "teamId", "season"}, Strategy: dataset.StrategySwap}

	for _, ds := range []*dataset.Descriptor{teamStats, playerStats} {
		if err := store.Provision(ctx, ds); err != nil {
			t.Fatalf("Provision %s: %v", ds.Name, err)
		}
	}

	if _, err := store.LoadStage(ctx, teamStats, []staging.RowEnvelope{{
		Dataset: teamStats.Name, LoadDate: "2025-01-15", Key: "duke|2025",
		Fields: map[string]any{"team_id": "duke", "season": "2025", "wins": float64(14)},
	}}); err != nil {
		t.Fatalf("LoadStage team: %v", err)
	}
	if _, err := store.LoadStage(ctx, playerStats, []staging.RowEnvelope{{
		Dataset: playerStats.Name, LoadDate: "2025-01-15", Key: "p1|duke|2025",
		Fields: map[string]any{"athlete_id": "p1", "team_id": "duke", "season": "2025", "points": float64(312)},
	}}); err != nil {
		t.Fatalf("LoadStage player: %v", err)
	}

	if err := store.SwapStageToRaw(ctx, []*dataset.Descriptor{teamStats, playerStats}); err != nil {
		t.Fatalf("SwapStageToRaw: %v", err)
	}

	for _, ds := range []*dataset.Descriptor{teamStats, playerStats} {
		n, err := store.RawCount(ctx, ds)
		if err != nil {
			t.Fatalf("RawCount %s: %v", ds.Name, err)
		}
		if n != 1 {
			t.Errorf("%s raw holds %d rows, want 1", ds.Name, n)
		}
	}
}

func TestPostgresStore_Integration_ProvisionIsIdempotent(t *testing.T) {
	pool := skipIfNoDatabase(t)
	store := testStore(t, pool)
	ctx := context.Background()
	ds := linesDescriptor()

	for i := 0; i < 3; i++ {
		if err := store.Provision(ctx, ds); err != nil {
			t.Fatalf("Provision pass %d: %v", i, err)
		}
	}
}
