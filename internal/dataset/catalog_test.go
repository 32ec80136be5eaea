package dataset

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCatalog_Unit_DefaultIsValid(t *testing.T) {
	for _, d := range DefaultCatalog() {
		if err := d.Validate(); err != nil {
			t.Errorf("%s: %v", d.Name, err)
		}
	}
}

func TestCatalog_Unit_OrderByRankThenName(t *testing.T) {
	ordered := Order(DefaultCatalog())
	last := -1
	for _, d := range ordered {
		if d.Rank < last {
			t.Fatalf("rank order violated at %s", d.Name)
		}
		last = d.Rank
	}
	if ordered[0].Rank != 0 {
		t.Errorf("reference datasets should load first, got %s at rank %d", ordered[0].Name, ordered[0].Rank)
	}
}

func TestCatalog_Unit_LoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `datasets:
  - name: games
    endpoint: /games
    table: games
    natural_key: [id]
    rank: 1
    windowed: true
    season_scoped: true
  - name: teams
    endpoint: /teams
    table: teams
    natural_key: [id]
    strategy: truncate_reload
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(catalog) != 2 {
		t.Fatalf("got %d datasets, want 2", len(catalog))
	}
	if catalog[0].Strategy != StrategyUpsert {
		t.Errorf("omitted strategy should default to upsert, got %s", catalog[0].Strategy)
	}
	if catalog[1].Strategy != StrategyTruncateReload {
		t.Errorf("strategy = %s", catalog[1].Strategy)
	}
	if !catalog[0].Windowed || !catalog[0].SeasonScoped {
		t.Errorf("window flags lost: %+v", catalog[0])
	}
}

func TestCatalog_Unit_LoadRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `datasets:
  - {name: games, endpoint: /games, table: games, natural_key: [id]}
  - {name: games, endpoint: /games, table: games2, natural_key: [id]}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalog(path); err == nil {
		t.Error("duplicate dataset names should be rejected")
	}
}

func TestCatalog_Unit_SelectUnknownName(t *testing.T) {
	if _, err := Select(DefaultCatalog(), []string{"games", "nope"}); err == nil {
		t.Error("unknown dataset name should error")
	}
	picked, err := Select(DefaultCatalog(), []string{"lines"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(picked) != 1 || picked[0].Name != "lines" {
		t.Errorf("picked %v", picked)
	}
}
