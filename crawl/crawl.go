// Package crawl walks every division and region of the leaderboard and
// registers the athletes it finds.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pevans/opens/athletes"
	"github.com/pevans/opens/leaderboard"
	"github.com/pevans/opens/logger"
)

var tracer = otel.Tracer("opens/crawl")

// PageFetcher retrieves leaderboard pages.
type PageFetcher interface {
	FetchPage(ctx context.Context, q leaderboard.Query) ([]byte, error)
	PageURL(q leaderboard.Query) string
}

// ParticipantSource turns a page body into participants.
type ParticipantSource interface {
	Extract(body []byte) (iter.Seq2[leaderboard.Participant, error], error)
}

// AthleteRegistry stores athletes.
type AthleteRegistry interface {
	Upsert(ctx context.Context, a athletes.Athlete, scores []string) (athletes.Outcome, error)
}

// GapRecorder keeps track of pages that need a manual re-fetch.
type GapRecorder interface {
	RecordGap(ctx context.Context, gap athletes.Gap) (*athletes.Gap, error)
}

// Recorder receives crawl progress events.
type Recorder interface {
	PageFetched(division int, elapsed time.Duration)
	PageUnavailable(division int, elapsed time.Duration)
	AthleteInserted(division int)
	AthleteDuplicate(division int)
	RowError(division int)
	StoreError(division int)
}

// Config bounds the crawl. Division and region ranges are inclusive.
type Config struct {
	DivisionFirst int
	DivisionLast  int
	RegionFirst   int
	RegionLast    int
	StartPage     int
	// Minimum number of new athletes a page must register for pagination of
	// its pair to continue.
	ContinueThreshold int
}

// DefaultConfig returns the bounds of the 2015 Open leaderboard.
func DefaultConfig() Config {
	return Config{
		DivisionFirst:     1,
		DivisionLast:      17,
		RegionFirst:       1,
		RegionLast:        17,
		StartPage:         1,
		ContinueThreshold: 1,
	}
}

// Validate checks that the bounds describe a non-empty crawl.
func (c Config) Validate() error {
	if c.DivisionFirst < 1 || c.DivisionLast < c.DivisionFirst {
		return fmt.Errorf("invalid division range %d..%d", c.DivisionFirst, c.DivisionLast)
	}
	if c.RegionFirst < 0 || c.RegionLast < c.RegionFirst {
		return fmt.Errorf("invalid region range %d..%d", c.RegionFirst, c.RegionLast)
	}
	if c.StartPage < 1 {
		return fmt.Errorf("start page must be at least 1, got %d", c.StartPage)
	}
	if c.ContinueThreshold < 1 {
		return fmt.Errorf("continue threshold must be at least 1, got %d", c.ContinueThreshold)
	}
	return nil
}

// PairResult summarises the pages crawled for one division and region.
type PairResult struct {
	Division    int `json:"division"`
	Region      int `json:"region"`
	Pages       int `json:"pages"`
	Inserted    int `json:"inserted"`
	Duplicates  int `json:"duplicates"`
	RowErrors   int `json:"row_errors"`
	StoreErrors int `json:"store_errors"`
	Unavailable int `json:"unavailable"`
}

func (p *PairResult) add(o pageOutcome) {
	p.Pages++
	p.Inserted += o.inserted
	p.Duplicates += o.duplicates
	p.RowErrors += o.rowErrors
	p.StoreErrors += o.storeErrors
	if o.unavailable {
		p.Unavailable++
	}
}

// Result is the outcome of a crawl run. Pairs are in crawl order.
type Result struct {
	RunID uuid.UUID    `json:"run_id"`
	Pairs []PairResult `json:"pairs"`
}

// Totals sums every pair. Division and Region are zero.
func (r *Result) Totals() PairResult {
	var t PairResult
	for _, p := range r.Pairs {
		t.Pages += p.Pages
		t.Inserted += p.Inserted
		t.Duplicates += p.Duplicates
		t.RowErrors += p.RowErrors
		t.StoreErrors += p.StoreErrors
		t.Unavailable += p.Unavailable
	}
	return t
}

// Orchestrator runs the crawl one page at a time.
type Orchestrator struct {
	fetcher  PageFetcher
	source   ParticipantSource
	registry AthleteRegistry
	gaps     GapRecorder
	recorder Recorder
	log      logger.Logger
	config   Config
	runID    uuid.UUID
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithRecorder reports progress events to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithGapRecorder persists unavailable pages to g.
func WithGapRecorder(g GapRecorder) Option {
	return func(o *Orchestrator) {
		o.gaps = g
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id uuid.UUID) Option {
	return func(o *Orchestrator) {
		o.runID = id
	}
}

// New creates an orchestrator.
func New(
	fetcher PageFetcher,
	source ParticipantSource,
	registry AthleteRegistry,
	config Config,
	opts ...Option,
) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		fetcher:  fetcher,
		source:   source,
		registry: registry,
		recorder: nopRecorder{},
		log:      logger.Nop(),
		config:   config,
		runID:    uuid.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Named("crawl")

	return o, nil
}

// RunID identifies this crawl in recorded gaps.
func (o *Orchestrator) RunID() uuid.UUID {
	return o.runID
}

// Run crawls divisions from highest to lowest and, within each, regions from
// lowest to highest. Athletes listed under several divisions are therefore
// attributed to the highest one. Per-row and per-page failures are logged and
// counted; a cancelled context stops the crawl and returns the partial result
// with the context's error.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	result := &Result{RunID: o.runID}

	o.log.Info(ctx, "crawl starting",
		logger.String("run_id", o.runID.String()),
		logger.Int("division_first", o.config.DivisionFirst),
		logger.Int("division_last", o.config.DivisionLast),
		logger.Int("region_first", o.config.RegionFirst),
		logger.Int("region_last", o.config.RegionLast))

	for division := o.config.DivisionLast; division >= o.config.DivisionFirst; division-- {
		for region := o.config.RegionFirst; region <= o.config.RegionLast; region++ {
			pair, err := o.crawlPair(ctx, division, region)
			result.Pairs = append(result.Pairs, pair)
			if err != nil {
				o.log.Warn(ctx, "crawl interrupted",
					logger.String("run_id", o.runID.String()),
					logger.Int("division", division),
					logger.Int("region", region),
					logger.Error(err))
				return result, err
			}
		}
	}

	totals := result.Totals()
	o.log.Info(ctx, "crawl finished",
		logger.String("run_id", o.runID.String()),
		logger.Int("pages", totals.Pages),
		logger.Int("inserted", totals.Inserted),
		logger.Int("duplicates", totals.Duplicates),
		logger.Int("row_errors", totals.RowErrors),
		logger.Int("store_errors", totals.StoreErrors),
		logger.Int("unavailable", totals.Unavailable))

	return result, nil
}

// crawlPair paginates one division and region until a page stops yielding
// new athletes.
func (o *Orchestrator) crawlPair(ctx context.Context, division, region int) (PairResult, error) {
	ctx, span := tracer.Start(ctx, "crawl:pair", trace.WithAttributes(
		attribute.Int("division", division),
		attribute.Int("region", region),
	))
	defer span.End()

	pair := PairResult{Division: division, Region: region}
	q := leaderboard.Query{Division: division, Region: region, Page: o.config.StartPage}

	for {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return pair, err
		}

		outcome, err := o.crawlPage(ctx, q)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "page failed")
			return pair, err
		}
		pair.add(outcome)

		next, more := outcome.next(q, o.config.ContinueThreshold)
		if !more {
			break
		}
		q = next
	}

	span.SetAttributes(
		attribute.Int("pages", pair.Pages),
		attribute.Int("inserted", pair.Inserted),
	)
	o.log.Info(ctx, "pair finished",
		logger.Int("division", division),
		logger.Int("region", region),
		logger.Int("pages", pair.Pages),
		logger.Int("inserted", pair.Inserted),
		logger.Int("duplicates", pair.Duplicates))

	return pair, nil
}

// pageOutcome counts what happened to the participants of one page.
type pageOutcome struct {
	inserted    int
	duplicates  int
	rowErrors   int
	storeErrors int
	unavailable bool
}

// hasNewInserts reports whether the page registered enough new athletes to
// look at the following page. An unavailable page never does.
func (p pageOutcome) hasNewInserts(threshold int) bool {
	return !p.unavailable && p.inserted >= threshold
}

// next is the pagination transition: the following page of the same pair,
// or false when the pair is exhausted.
func (p pageOutcome) next(q leaderboard.Query, threshold int) (leaderboard.Query, bool) {
	if !p.hasNewInserts(threshold) {
		return q, false
	}
	q.Page++
	return q, true
}

// crawlPage fetches one page and registers its participants. Only errors
// that must stop the crawl are returned.
func (o *Orchestrator) crawlPage(ctx context.Context, q leaderboard.Query) (pageOutcome, error) {
	var outcome pageOutcome

	start := time.Now()
	body, err := o.fetcher.FetchPage(ctx, q)
	elapsed := time.Since(start)
	if err != nil {
		if !errors.Is(err, leaderboard.ErrPageUnavailable) {
			return outcome, err
		}
		o.recorder.PageUnavailable(q.Division, elapsed)
		o.pageUnavailable(ctx, q, err)
		outcome.unavailable = true
		return outcome, nil
	}
	o.recorder.PageFetched(q.Division, elapsed)

	participants, err := o.source.Extract(body)
	if err != nil {
		o.recorder.PageUnavailable(q.Division, elapsed)
		o.pageUnavailable(ctx, q, err)
		outcome.unavailable = true
		return outcome, nil
	}

	for p, err := range participants {
		if err != nil {
			if !errors.Is(err, leaderboard.ErrRowExtraction) {
				return outcome, err
			}
			outcome.rowErrors++
			o.recorder.RowError(q.Division)
			o.log.Warn(ctx, "skipping leaderboard row",
				logger.Int("division", q.Division),
				logger.Int("region", q.Region),
				logger.Int("page", q.Page),
				logger.Error(err))
			continue
		}

		athlete := athletes.Athlete{
			ID:       p.AthleteID,
			Name:     p.Name,
			Division: q.Division,
			Region:   q.Region,
		}
		result, err := o.registry.Upsert(ctx, athlete, p.Scores)
		if err != nil {
			if !errors.Is(err, athletes.ErrStore) {
				return outcome, err
			}
			outcome.storeErrors++
			o.recorder.StoreError(q.Division)
			o.log.Error(ctx, "failed to store athlete",
				logger.Int64("athlete_id", p.AthleteID),
				logger.String("name", p.Name),
				logger.Int("division", q.Division),
				logger.Int("region", q.Region),
				logger.Int("page", q.Page),
				logger.Error(err))
			continue
		}

		switch result {
		case athletes.Inserted:
			outcome.inserted++
			o.recorder.AthleteInserted(q.Division)
		case athletes.AlreadyExists:
			outcome.duplicates++
			o.recorder.AthleteDuplicate(q.Division)
			o.log.Debug(ctx, "athlete already registered",
				logger.Int64("athlete_id", p.AthleteID),
				logger.Int("division", q.Division))
		}
	}

	o.log.Info(ctx, "page processed",
		logger.Int("division", q.Division),
		logger.Int("region", q.Region),
		logger.Int("page", q.Page),
		logger.Int("inserted", outcome.inserted),
		logger.Int("duplicates", outcome.duplicates))

	return outcome, nil
}

// pageUnavailable logs a page that was given up on and records it as a gap.
func (o *Orchestrator) pageUnavailable(ctx context.Context, q leaderboard.Query, cause error) {
	url := o.fetcher.PageURL(q)
	o.log.Warn(ctx, "leaderboard page unavailable",
		logger.String("run_id", o.runID.String()),
		logger.Int("division", q.Division),
		logger.Int("region", q.Region),
		logger.Int("page", q.Page),
		logger.String("url", url),
		logger.Error(cause))

	if o.gaps == nil {
		return
	}

	_, err := o.gaps.RecordGap(ctx, athletes.Gap{
		RunID:    o.runID,
		Division: q.Division,
		Region:   q.Region,
		Page:     q.Page,
		URL:      url,
		Reason:   cause.Error(),
	})
	if err != nil {
		o.log.Error(ctx, "failed to record crawl gap",
			logger.String("url", url),
			logger.Error(err))
	}
}

type nopRecorder struct{}

func (nopRecorder) PageFetched(int, time.Duration)     {}
func (nopRecorder) PageUnavailable(int, time.Duration) {}
func (nopRecorder) AthleteInserted(int)                {}
func (nopRecorder) AthleteDuplicate(int)               {}
func (nopRecorder) RowError(int)                       {}
func (nopRecorder) StoreError(int)                     {}
