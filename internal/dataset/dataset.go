// Package dataset defines the catalog of ingestible datasets.
//
// A Descriptor is immutable configuration loaded at startup: which source
// endpoint to pull, which fields identify a record, how staged rows reach the
// persistent store, and where the dataset sits in the load order.
package dataset

import (
	"fmt"
	"sort"
)

// Strategy selects how staged rows are merged into the persistent store.
type Strategy string

const (
	// StrategyTruncateReload clears the raw table and bulk-inserts staged rows.
	StrategyTruncateReload Strategy = "truncate_reload"
	// StrategyUpsert inserts staged rows, overwriting non-key columns on conflict.
	StrategyUpsert Strategy = "upsert"
	// StrategySwap promotes staged content to raw atomically across the batch.
	StrategySwap Strategy = "swap"
)

// Descriptor describes one ingestible dataset.
type Descriptor struct {
	// Name is the dataset slug, also the staging scope name.
	Name string `yaml:"name"`

	// Endpoint is the source API path, e.g. "/games".
	Endpoint string `yaml:"endpoint"`

	// Table is the persistent table name (without schema).
	Table string `yaml:"table"`

	// NaturalKey lists the fields that identify a record, in order.
	NaturalKey []string `yaml:"natural_key"`

	// Rank orders loads: lower ranks load first. Reference datasets sit at
	// rank 0, parent facts before their per-row children.
	Rank int `yaml:"rank"`

	// Strategy selects the merge path for this dataset.
	Strategy Strategy `yaml:"strategy"`

	// FlattenField names a nested child list to explode into one row per
	// child (e.g. "lines" on the lines endpoint). Empty means flat records.
	FlattenField string `yaml:"flatten_field,omitempty"`

	// Windowed datasets are pulled through date windows. Un-windowed datasets
	// (reference data, season aggregates) issue a single request per run.
	Windowed bool `yaml:"windowed"`

	// SeasonScoped datasets carry a season parameter and, in incremental
	// mode, pull only the current season.
	SeasonScoped bool `yaml:"season_scoped"`

	// Params are extra query parameters sent on every request.
	Params map[string]string `yaml:"params,omitempty"`
}

// Validate checks descriptor invariants.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("dataset name is required")
	}
	if d.Endpoint == "" {
		return fmt.Errorf("dataset %s: endpoint is required", d.Name)
	}
	if d.Table == "" {
		return fmt.Errorf("dataset %s: table is required", d.Name)
	}
	if len(d.NaturalKey) == 0 {
		return fmt.Errorf("dataset %s: natural key is required", d.Name)
	}
	switch d.Strategy {
	case StrategyTruncateReload, StrategyUpsert, StrategySwap:
	default:
		return fmt.Errorf("dataset %s: unknown merge strategy %q", d.Name, d.Strategy)
	}
	return nil
}

// Order returns descriptors sorted by rank, then name for determinism.
func Order(descriptors []*Descriptor) []*Descriptor {
	out := make([]*Descriptor, len(descriptors))
	copy(out, descriptors)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// DefaultCatalog returns the built-in dataset catalog.
//
// Ranks: reference dimensions (0) -> parent facts (1) -> per-row children (2)
// -> season aggregates (3).
func DefaultCatalog() []*Descriptor {
	return []*Descriptor{
		{
			Name:       "teams",
			Endpoint:   "/teams",
			Table:      "teams",
			NaturalKey: []string{"id"},
			Rank:       0,
			Strategy:   StrategyTruncateReload,
		},
		{
			Name:       "venues",
			Endpoint:   "/venues",
			Table:      "venues",
			NaturalKey: []string{"id"},
			Rank:       0,
			Strategy:   StrategyTruncateReload,
		},
		{
			Name:       "conferences",
			Endpoint:   "/conferences",
			Table:      "conferences",
			NaturalKey: []string{"id"},
			Rank:       0,
			Strategy:   StrategyTruncateReload,
		},
		{
			Name:         "games",
			Endpoint:     "/games",
			Table:        "games",
			NaturalKey:   []string{"id"},
			Rank:         1,
			Strategy:     StrategyUpsert,
			Windowed:     true,
			SeasonScoped: true,
		},
		{
			Name:         "lines",
			Endpoint:     "/lines",
			Table:        "betting_lines",
			NaturalKey:   []string{"gameId", "provider"},
			Rank:         2,
			Strategy:     StrategyUpsert,
			FlattenField: "lines",
			Windowed:     true,
			SeasonScoped: true,
		},
		{
			Name:         "team_game_stats",
			Endpoint:     "/games/teams",
			Table:        "game_team_stats",
			NaturalKey:   []string{"gameId", "teamId"},
			Rank:         2,
			Strategy:     StrategyUpsert,
			Windowed:     true,
			SeasonScoped: true,
		},
		{
			Name:         "game_players",
			Endpoint:     "/games/players",
			Table:        "game_player_stats",
			NaturalKey:   []string{"gameId", "teamId", "athleteId"},
			Rank:         2,
			Strategy:     StrategyUpsert,
			FlattenField: "players",
			Windowed:     true,
			SeasonScoped: true,
		},
		{
			Name:         "team_season_stats",
			Endpoint:     "/stats/team/season",
			Table:        "team_season_stats",
			NaturalKey:   []string{"teamId", "season"},
			Rank:         3,
			Strategy:     StrategySwap,
			SeasonScoped: true,
		},
		{
			Name:         "player_season_stats",
			Endpoint:     "/stats/player/season",
			Table:        "player_season_stats",
			NaturalKey:   []string{"athleteId", "teamId", "season"},
			Rank:         3,
			Strategy:     StrategySwap,
			SeasonScoped: true,
		},
	}
}
