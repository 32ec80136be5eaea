package extract

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/spreadeagle/ingest-core/internal/dataset"
	"github.com/spreadeagle/ingest-core/internal/plan"
)

// stubFetcher replays canned responses keyed by the startDateRange query
// parameter, or by endpoint path for un-windowed pulls.
type stubFetcher struct {
	byStart map[string][]map[string]any
	byPath  map[string][]map[string]any
	errs    map[string]error
	calls   []url.Values
}

func (s *stubFetcher) Records(_ context.Context, path string, query url.Values) ([]map[string]any, error) {
	s.calls = append(s.calls, query)
	key := query.Get("startDateRange")
	if err, ok := s.errs[key]; ok {
		return nil, err
	}
	if recs, ok := s.byStart[key]; ok {
		return recs, nil
	}
	if recs, ok := s.byPath[path]; ok {
		return recs, nil
	}
	return nil, nil
}

func gameRecords(firstID, n int, tag string) []map[string]any {
	out := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		out[i] = map[string]any{"id": firstID + i, "status": tag}
	}
	return out
}

func monthWindow(year int, month time.Month, season int) plan.Window {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return plan.MonthlyWindows(start, start, season)[0]
}

func TestExtractor_Unit_OverlapCollapsesFirstSeen(t *testing.T) {
	winA := monthWindow(2025, time.January, 2025)
	winB := monthWindow(2025, time.February, 2025)

	// Window B repeats 50 of window A's ids with different field values.
	fetcher := &stubFetcher{byStart: map[string][]map[string]any{
		winA.Start.Format(time.RFC3339): gameRecords(1, 2950, "from-a"),
		winB.Start.Format(time.RFC3339): gameRecords(2901, 1200, "from-b"),
	}}

	ds := &dataset.Descriptor{
		Name:       "games",
		Endpoint:   "/games",
		NaturalKey: []string{"id"},
		Windowed:   true,
	}

	dedup := NewDedupContext()
	result := NewExtractor(fetcher).ExtractWindows(context.Background(), ds, []plan.Window{winA, winB}, dedup)

	if result.Failed() {
		t.Fatalf("unexpected failures: %v", result.Errors())
	}
	if len(result.Records) != 4100 {
		t.Fatalf("expected 4100 unique records, got %d", len(result.Records))
	}
	if dedup.Len() != 4100 {
		t.Errorf("dedup context tracks %d keys, want 4100", dedup.Len())
	}

	// The 50 overlapping ids keep the values from the window that saw them
	// first.
	kept := make(map[any]string, len(result.Records))
	for _, rec := range result.Records {
		kept[rec["id"]] = rec["status"].(string)
	}
	for id := 2901; id <= 2950; id++ {
		if kept[id] != "from-a" {
			t.Fatalf("id %d = %q, first occurrence should win", id, kept[id])
		}
	}
	if kept[2951] != "from-b" {
		t.Errorf("id 2951 = %q, want window B's value", kept[2951])
	}
}

func TestExtractor_Unit_WindowFailureIsIsolated(t *testing.T) {
	winA := monthWindow(2024, time.November, 2025)
	winB := monthWindow(2024, time.December, 2025)
	winC := monthWindow(2025, time.January, 2025)

	fetcher := &stubFetcher{
		byStart: map[string][]map[string]any{
			winA.Start.Format(time.RFC3339): gameRecords(1, 3, "final"),
			winC.Start.Format(time.RFC3339): gameRecords(10, 2, "final"),
		},
		errs: map[string]error{
			winB.Start.Format(time.RFC3339): errors.New("upstream 503"),
		},
	}

	ds := &dataset.Descriptor{Name: "games", Endpoint: "/games", NaturalKey: []string{"id"}, Windowed: true}
	result := NewExtractor(fetcher).ExtractWindows(context.Background(), ds, []plan.Window{winA, winB, winC}, NewDedupContext())

	if len(result.Records) != 5 {
		t.Errorf("surviving windows should still land, got %d records", len(result.Records))
	}
	if !result.Failed() {
		t.Fatal("result should report the failed window")
	}
	errs := result.Errors()
	if len(errs) != 1 {
		t.Fatalf("expected 1 window error, got %v", errs)
	}
	var failed, succeeded int
	for _, wr := range result.Windows {
		if wr.Success {
			succeeded++
		} else {
			failed++
		}
	}
	if succeeded != 2 || failed != 1 {
		t.Errorf("window trail = %d ok / %d failed, want 2/1", succeeded, failed)
	}
}

func TestExtractor_Unit_CancellationMarksRemainingWindows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	windows := plan.SeasonWindows(2025)
	ds := &dataset.Descriptor{Name: "games", Endpoint: "/games", NaturalKey: []string{"id"}, Windowed: true}
	result := NewExtractor(&stubFetcher{}).ExtractWindows(ctx, ds, windows, NewDedupContext())

	if !result.Failed() {
		t.Fatal("cancelled extraction should report failure")
	}
	for _, wr := range result.Windows {
		if wr.Success {
			t.Errorf("window %s succeeded after cancellation", wr.Window)
		}
		if !errors.Is(wr.Err, context.Canceled) {
			t.Errorf("window %s error = %v, want context.Canceled", wr.Window, wr.Err)
		}
	}
}

func TestExtractor_Unit_FlattenBeforeDedup(t *testing.T) {
	win := monthWindow(2025, time.January, 2025)

	// Two provider lines under one game: distinct [gameId, provider] keys,
	// so flattening must run before dedup or the second line would vanish.
	fetcher := &stubFetcher{byStart: map[string][]map[string]any{
		win.Start.Format(time.RFC3339): {
			{
				"gameId": 55,
				"lines": []any{
					map[string]any{"provider": "Bovada", "spread": -2.5},
					map[string]any{"provider": "DraftKings", "spread": -3.0},
				},
			},
		},
	}}

	ds := &dataset.Descriptor{
		Name:         "lines",
		Endpoint:     "/lines",
		NaturalKey:   []string{"gameId", "provider"},
		FlattenField: "lines",
		Windowed:     true,
	}
	result := NewExtractor(fetcher).ExtractWindows(context.Background(), ds, []plan.Window{win}, NewDedupContext())

	if len(result.Records) != 2 {
		t.Fatalf("expected 2 flattened line rows, got %d", len(result.Records))
	}
}

func TestExtractor_Unit_SeasonDerivedFromRollingWindow(t *testing.T) {
	// A rolling window straddling the August rollover pulls both seasons.
	w := plan.Window{
		Start: time.Date(2025, 7, 28, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 8, 4, 23, 59, 59, 0, time.UTC),
	}

	fetcher := &stubFetcher{byStart: map[string][]map[string]any{}}
	ds := &dataset.Descriptor{Name: "games", Endpoint: "/games", NaturalKey: []string{"id"}, Windowed: true, SeasonScoped: true}
	NewExtractor(fetcher).ExtractWindows(context.Background(), ds, []plan.Window{w}, NewDedupContext())

	if len(fetcher.calls) != 2 {
		t.Fatalf("expected one request per overlapping season, got %d", len(fetcher.calls))
	}
	seasons := []string{fetcher.calls[0].Get("season"), fetcher.calls[1].Get("season")}
	if seasons[0] != "2025" || seasons[1] != "2026" {
		t.Errorf("requested seasons %v, want [2025 2026]", seasons)
	}
}

func TestExtractor_Unit_SingleSeasonAggregate(t *testing.T) {
	fetcher := &stubFetcher{byPath: map[string][]map[string]any{
		"/stats/team/season": gameRecords(1, 4, "agg"),
	}}
	ds := &dataset.Descriptor{
		Name:         "team_season_stats",
		Endpoint:     "/stats/team/season",
		NaturalKey:   []string{"teamId", "season"},
		SeasonScoped: true,
	}
	result := NewExtractor(fetcher).ExtractSingle(context.Background(), ds, 2026, NewDedupContext())

	if result.Failed() {
		t.Fatalf("unexpected failure: %v", result.Errors())
	}
	if len(result.Records) != 4 {
		t.Errorf("expected 4 records, got %d", len(result.Records))
	}
	if got := fetcher.calls[0].Get("season"); got != "2026" {
		t.Errorf("season param = %q, want 2026", got)
	}
	if got := fetcher.calls[0].Get("startDateRange"); got != "" {
		t.Errorf("season aggregate should not carry a date range, got %q", got)
	}
}

func TestExtractor_Unit_ParamsForwarded(t *testing.T) {
	fetcher := &stubFetcher{byPath: map[string][]map[string]any{"/games": nil}}
	ds := &dataset.Descriptor{
		Name:       "games",
		Endpoint:   "/games",
		NaturalKey: []string{"id"},
		Params:     map[string]string{"classification": "d1"},
	}
	NewExtractor(fetcher).ExtractSingle(context.Background(), ds, 0, NewDedupContext())

	if got := fetcher.calls[0].Get("classification"); got != "d1" {
		t.Errorf("static param not forwarded, got %q", got)
	}
}

func ExampleResult_Errors() {
	r := &Result{Windows: []WindowResult{
		{Window: monthWindow(2025, time.March, 2025), Season: 2025, Success: false, Err: errors.New("timeout")},
	}}
	fmt.Println(r.Errors()[0])
	// Output: window 2025-03-01..2025-03-31 season 2025: timeout
}
