package crawl

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pevans/opens/athletes"
	"github.com/pevans/opens/leaderboard"
)

// fakeBoard serves participants per query and records every request.
type fakeBoard struct {
	pages       map[leaderboard.Query][]leaderboard.Participant
	rowErrors   map[leaderboard.Query]int
	unavailable map[leaderboard.Query]bool
	requests    []leaderboard.Query
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{
		pages:       map[leaderboard.Query][]leaderboard.Participant{},
		rowErrors:   map[leaderboard.Query]int{},
		unavailable: map[leaderboard.Query]bool{},
	}
}

func (b *fakeBoard) FetchPage(_ context.Context, q leaderboard.Query) ([]byte, error) {
	b.requests = append(b.requests, q)
	if b.unavailable[q] {
		return nil, &leaderboard.PageUnavailableError{URL: b.PageURL(q), Attempts: 5, Err: errors.New("timeout")}
	}
	return []byte(fmt.Sprintf("%d/%d/%d", q.Division, q.Region, q.Page)), nil
}

func (b *fakeBoard) PageURL(q leaderboard.Query) string {
	return fmt.Sprintf("http://board/%d/%d/%d", q.Division, q.Region, q.Page)
}

func (b *fakeBoard) Extract(body []byte) (iter.Seq2[leaderboard.Participant, error], error) {
	parts := strings.Split(string(body), "/")
	if len(parts) != 3 {
		return nil, errors.New("unparseable page")
	}
	var q leaderboard.Query
	q.Division, _ = strconv.Atoi(parts[0])
	q.Region, _ = strconv.Atoi(parts[1])
	q.Page, _ = strconv.Atoi(parts[2])

	return func(yield func(leaderboard.Participant, error) bool) {
		for i := range b.rowErrors[q] {
			if !yield(leaderboard.Participant{}, &leaderboard.RowError{Row: i + 1, Err: errors.New("bad row")}) {
				return
			}
		}
		for _, p := range b.pages[q] {
			if !yield(p, nil) {
				return
			}
		}
	}, nil
}

func (b *fakeBoard) set(division, region, page int, ids ...int64) {
	q := leaderboard.Query{Division: division, Region: region, Page: page}
	for _, id := range ids {
		b.pages[q] = append(b.pages[q], leaderboard.Participant{
			AthleteID: id,
			Name:      fmt.Sprintf("Athlete %d", id),
			Scores:    []string{"1 (1)"},
		})
	}
}

// requested reports the pages fetched for a pair.
func (b *fakeBoard) requested(division, region int) []int {
	var pages []int
	for _, q := range b.requests {
		if q.Division == division && q.Region == region {
			pages = append(pages, q.Page)
		}
	}
	return pages
}

// memoryRegistry mimics the store's duplicate handling.
type memoryRegistry struct {
	athletes map[int64]athletes.Athlete
	failing  map[int64]bool
	gaps     []athletes.Gap
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{athletes: map[int64]athletes.Athlete{}, failing: map[int64]bool{}}
}

func (r *memoryRegistry) Upsert(_ context.Context, a athletes.Athlete, _ []string) (athletes.Outcome, error) {
	if r.failing[a.ID] {
		return 0, &athletes.StoreError{AthleteID: a.ID, Op: "insert athlete", Err: errors.New("disk full")}
	}
	if _, ok := r.athletes[a.ID]; ok {
		return athletes.AlreadyExists, nil
	}
	r.athletes[a.ID] = a
	return athletes.Inserted, nil
}

func (r *memoryRegistry) RecordGap(_ context.Context, g athletes.Gap) (*athletes.Gap, error) {
	g.ID = int64(len(r.gaps) + 1)
	r.gaps = append(r.gaps, g)
	return &g, nil
}

// countingRecorder tallies progress events.
type countingRecorder struct {
	fetched     int
	unavailable int
	inserted    int
	duplicates  int
	rows        int
	stores      int
}

func (c *countingRecorder) PageFetched(int, time.Duration)     { c.fetched++ }
func (c *countingRecorder) PageUnavailable(int, time.Duration) { c.unavailable++ }
func (c *countingRecorder) AthleteInserted(int)                { c.inserted++ }
func (c *countingRecorder) AthleteDuplicate(int)               { c.duplicates++ }
func (c *countingRecorder) RowError(int)                       { c.rows++ }
func (c *countingRecorder) StoreError(int)                     { c.stores++ }

// Test helper: a config covering a small grid
func smallConfig(divisions, regions int) Config {
	return Config{
		DivisionFirst:     1,
		DivisionLast:      divisions,
		RegionFirst:       1,
		RegionLast:        regions,
		StartPage:         1,
		ContinueThreshold: 1,
	}
}

func newTestOrchestrator(t *testing.T, board *fakeBoard, registry *memoryRegistry, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(board, board, registry, cfg, append([]Option{WithGapRecorder(registry)}, opts...)...)
	require.NoError(t, err)
	return o
}

// TestRun_TwoPagesThenAdvance verifies a pair stops after a page without new athletes
func TestRun_TwoPagesThenAdvance(t *testing.T) {
	board := newFakeBoard()
	board.set(1, 1, 1, 10, 11)
	board.set(1, 2, 1, 20)

	registry := newMemoryRegistry()
	result, err := newTestOrchestrator(t, board, registry, smallConfig(1, 2)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, board.requested(1, 1))
	assert.Equal(t, []int{1, 2}, board.requested(1, 2))
	assert.Equal(t, leaderboard.Query{Division: 1, Region: 2, Page: 1}, board.requests[2], "should advance after page 2")

	require.Len(t, result.Pairs, 2)
	assert.Equal(t, PairResult{Division: 1, Region: 1, Pages: 2, Inserted: 2}, result.Pairs[0])
	assert.Equal(t, 3, result.Totals().Inserted)
}

// TestRun_DuplicatePageTerminates verifies no request follows an all-duplicate page
func TestRun_DuplicatePageTerminates(t *testing.T) {
	board := newFakeBoard()
	board.set(1, 1, 1, 10, 11)
	board.set(1, 1, 2, 12)
	board.set(1, 1, 3, 13)

	registry := newMemoryRegistry()
	registry.athletes[10] = athletes.Athlete{ID: 10}
	registry.athletes[11] = athletes.Athlete{ID: 11}

	result, err := newTestOrchestrator(t, board, registry, smallConfig(1, 1)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1}, board.requested(1, 1))
	assert.Equal(t, 2, result.Pairs[0].Duplicates)
	assert.Zero(t, result.Pairs[0].Inserted)
}

// TestRun_DescendingDivisions verifies cross-listed athletes keep the highest division
func TestRun_DescendingDivisions(t *testing.T) {
	board := newFakeBoard()
	board.set(1, 1, 1, 500, 501)
	board.set(2, 1, 1, 500)

	registry := newMemoryRegistry()
	_, err := newTestOrchestrator(t, board, registry, smallConfig(2, 1)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, registry.athletes[500].Division)
	assert.Equal(t, 1, registry.athletes[501].Division)
	assert.Equal(t, 2, board.requests[0].Division, "highest division is crawled first")
}

// TestRun_CrawlOrder verifies divisions descend and regions ascend
func TestRun_CrawlOrder(t *testing.T) {
	board := newFakeBoard()
	cfg := Config{DivisionFirst: 2, DivisionLast: 3, RegionFirst: 4, RegionLast: 5, StartPage: 7, ContinueThreshold: 1}

	result, err := newTestOrchestrator(t, board, newMemoryRegistry(), cfg).Run(context.Background())
	require.NoError(t, err)

	expected := []leaderboard.Query{
		{Division: 3, Region: 4, Page: 7},
		{Division: 3, Region: 5, Page: 7},
		{Division: 2, Region: 4, Page: 7},
		{Division: 2, Region: 5, Page: 7},
	}
	assert.Equal(t, expected, board.requests)
	assert.Len(t, result.Pairs, 4)
}

// TestRun_UnavailablePageRecordsGap verifies unavailable pages end the pair and are recorded
func TestRun_UnavailablePageRecordsGap(t *testing.T) {
	board := newFakeBoard()
	board.set(1, 1, 1, 10)
	board.set(1, 1, 3, 30)
	board.unavailable[leaderboard.Query{Division: 1, Region: 1, Page: 2}] = true
	board.set(1, 2, 1, 40)

	registry := newMemoryRegistry()
	runID := uuid.New()
	recorder := &countingRecorder{}
	o := newTestOrchestrator(t, board, registry, smallConfig(1, 2), WithRunID(runID), WithRecorder(recorder))

	result, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, board.requested(1, 1))
	assert.Equal(t, 1, result.Pairs[0].Unavailable)
	assert.Equal(t, 1, result.Pairs[1].Inserted, "crawl continues with the next pair")

	require.Len(t, registry.gaps, 1)
	gap := registry.gaps[0]
	assert.Equal(t, runID, gap.RunID)
	assert.Equal(t, 2, gap.Page)
	assert.Equal(t, "http://board/1/1/2", gap.URL)
	assert.Contains(t, gap.Reason, "timeout")

	assert.Equal(t, 1, recorder.unavailable)
	assert.Equal(t, 3, recorder.fetched)
	assert.Equal(t, 2, recorder.inserted)
}

// TestRun_RowAndStoreErrorsContinue verifies bad rows and failed inserts do not stop the page
func TestRun_RowAndStoreErrorsContinue(t *testing.T) {
	board := newFakeBoard()
	q := leaderboard.Query{Division: 1, Region: 1, Page: 1}
	board.rowErrors[q] = 2
	board.set(1, 1, 1, 10, 11, 12)

	registry := newMemoryRegistry()
	registry.failing[11] = true
	recorder := &countingRecorder{}

	result, err := newTestOrchestrator(t, board, registry, smallConfig(1, 1), WithRecorder(recorder)).Run(context.Background())
	require.NoError(t, err)

	pair := result.Pairs[0]
	assert.Equal(t, 2, pair.RowErrors)
	assert.Equal(t, 1, pair.StoreErrors)
	assert.Equal(t, 2, pair.Inserted)
	assert.Contains(t, registry.athletes, int64(12))
	assert.Equal(t, 2, recorder.rows)
	assert.Equal(t, 1, recorder.stores)
}

// TestRun_ContinueThreshold verifies pagination needs enough new athletes
func TestRun_ContinueThreshold(t *testing.T) {
	board := newFakeBoard()
	board.set(1, 1, 1, 10, 11, 12)
	board.set(1, 1, 2, 13)
	board.set(1, 1, 3, 14, 15, 16)

	cfg := smallConfig(1, 1)
	cfg.ContinueThreshold = 2
	_, err := newTestOrchestrator(t, board, newMemoryRegistry(), cfg).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, board.requested(1, 1))
}

// cancellingRegistry cancels the crawl after the first insert.
type cancellingRegistry struct {
	*memoryRegistry
	cancel context.CancelFunc
}

func (r *cancellingRegistry) Upsert(ctx context.Context, a athletes.Athlete, s []string) (athletes.Outcome, error) {
	defer r.cancel()
	return r.memoryRegistry.Upsert(ctx, a, s)
}

// TestRun_Cancelled verifies cancellation returns the partial result
func TestRun_Cancelled(t *testing.T) {
	board := newFakeBoard()
	board.set(3, 1, 1, 10)
	board.set(3, 1, 2, 11)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry := &cancellingRegistry{memoryRegistry: newMemoryRegistry(), cancel: cancel}

	o, err := New(board, board, registry, smallConfig(3, 3))
	require.NoError(t, err)

	result, err := o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	require.Len(t, result.Pairs, 1)
	assert.Equal(t, 1, result.Pairs[0].Inserted)
	assert.Equal(t, []int{1}, board.requested(3, 1))
	assert.Len(t, board.requests, 1)
}

// TestNew_InvalidConfig verifies bounds are validated
func TestNew_InvalidConfig(t *testing.T) {
	board := newFakeBoard()
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"inverted divisions", func(c *Config) { c.DivisionFirst, c.DivisionLast = 5, 2 }},
		{"zero division", func(c *Config) { c.DivisionFirst = 0 }},
		{"inverted regions", func(c *Config) { c.RegionFirst, c.RegionLast = 3, 1 }},
		{"negative region", func(c *Config) { c.RegionFirst = -1 }},
		{"zero start page", func(c *Config) { c.StartPage = 0 }},
		{"zero threshold", func(c *Config) { c.ContinueThreshold = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			_, err := New(board, board, newMemoryRegistry(), cfg)
			assert.Error(t, err)
		})
	}
}

// TestConfig_WorldwideRegion verifies region 0 is a valid lower bound
func TestConfig_WorldwideRegion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RegionFirst = 0
	assert.NoError(t, cfg.Validate())
}

// TestRun_EndToEnd crawls a fake leaderboard server into a real store
func TestRun_EndToEnd(t *testing.T) {
	var mu sync.Mutex
	var served []string
	takeServed := func() []string {
		mu.Lock()
		defer mu.Unlock()
		pages := served
		served = nil
		return pages
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mu.Lock()
		served = append(served, q.Get("division")+"/"+q.Get("region")+"/"+q.Get("page"))
		mu.Unlock()

		body := `<table id="lbtable"><tr><th>Rank</th></tr>`
		if q.Get("region") == "1" && q.Get("page") == "1" {
			body += `<tr><td class="number">1</td><td class="name"><a href="/athlete/` + q.Get("division") + `01">A</a></td><td class="score-cell"><span>12 (3)</span></td></tr>`
			body += `<tr><td class="number">2</td><td class="name"><a href="/athlete/777">Shared</a></td><td class="score-cell"><span>-- (--)</span></td></tr>`
		}
		body += `</table>`
		w.Write([]byte(body))
	}))
	defer server.Close()

	client, err := leaderboard.NewClient(leaderboard.ClientOptions{
		BaseURL:   server.URL,
		Attempts:  1,
		RetryWait: time.Millisecond,
	})
	require.NoError(t, err)

	store, err := athletes.NewAthleteStore(athletes.DriverSQLite3, filepath.Join(t.TempDir(), "opens.db"))
	require.NoError(t, err)
	defer store.Close()

	o, err := New(client, leaderboard.NewExtractor(leaderboard.DefaultSelectors()), store, smallConfig(2, 2), WithGapRecorder(store))
	require.NoError(t, err)

	ctx := context.Background()
	result, err := o.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"2/1/1", "2/1/2", "2/2/1", "1/1/1", "1/1/2", "1/2/1"}, takeServed())
	assert.Equal(t, 3, result.Totals().Inserted)
	assert.Equal(t, 1, result.Totals().Duplicates)

	shared, err := store.Get(ctx, 777)
	require.NoError(t, err)
	assert.Equal(t, 2, shared.Division)
	assert.Equal(t, []string{"-- (--)"}, shared.Scores)

	// A second run only confirms what is already stored.
	result, err = o.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Totals().Inserted)
	assert.Equal(t, []string{"2/1/1", "2/2/1", "1/1/1", "1/2/1"}, takeServed())
}
