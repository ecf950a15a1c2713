// Package reshape turns stored raw scores into one row per athlete with a
// rank and prescribed flag for each event.
package reshape

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pevans/opens/athletes"
	"github.com/pevans/opens/logger"
	"github.com/pevans/opens/score"
)

var tracer = otel.Tracer("opens/reshape")

// DefaultLabels names the 2015 Open events in leaderboard column order.
var DefaultLabels = []string{"15.1", "15.1a", "15.2", "15.3", "15.4", "15.5"}

// ErrDataShape means an athlete's stored scores do not line up with the
// configured events.
var ErrDataShape = errors.New("stored scores do not match configured events")

// ShapeError describes an athlete whose event indices are not exactly
// 0..Want-1.
type ShapeError struct {
	AthleteID int64
	Indices   []int
	Want      int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%v: athlete %d has event indices %v, want %d events", ErrDataShape, e.AthleteID, e.Indices, e.Want)
}

func (e *ShapeError) Is(target error) bool {
	return target == ErrDataShape
}

// Loader provides the flat athlete/score join.
type Loader interface {
	LoadAll(ctx context.Context) ([]athletes.ScoreRow, error)
}

// Event is one parsed score of an athlete.
type Event struct {
	Label string
	Raw   string
	Score score.Parsed
}

// Rx returns 1 for a prescribed score and 0 for a scaled one. ok is false
// when the event has no rank.
func (e Event) Rx() (rx int, ok bool) {
	if !e.Score.HasRank() {
		return 0, false
	}
	if e.Score.Prescribed {
		return 1, true
	}
	return 0, true
}

// Row is one athlete with an event per label, in label order.
type Row struct {
	AthleteID int64
	Name      string
	Division  int
	Region    int
	Events    []Event
}

// Table is the reshaped result. Rows are sorted by athlete id.
type Table struct {
	Labels []string
	Rows   []Row
}

// Output formats accepted by Render.
const (
	FormatTable = "table"
	FormatCSV   = "csv"
)

// Header returns the column names in output order.
func (t *Table) Header() []string {
	header := []string{"id", "name", "division", "region"}
	for _, label := range t.Labels {
		header = append(header, label, label+" Rx")
	}
	return header
}

// Render writes the table to w as an aligned text table or as CSV. Absent
// values are empty cells.
func (t *Table) Render(w io.Writer, format string) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)

	var header table.Row
	for _, h := range t.Header() {
		header = append(header, h)
	}
	tw.AppendHeader(header)

	for _, row := range t.Rows {
		cells := table.Row{row.AthleteID, row.Name, row.Division, row.Region}
		for _, event := range row.Events {
			rank, rx := "", ""
			if event.Score.HasRank() {
				rank = strconv.Itoa(*event.Score.Rank)
			}
			if v, ok := event.Rx(); ok {
				rx = strconv.Itoa(v)
			}
			cells = append(cells, rank, rx)
		}
		tw.AppendRow(cells)
	}

	switch format {
	case FormatTable, "":
		tw.SetStyle(table.StyleRounded)
		tw.Render()
	case FormatCSV:
		tw.RenderCSV()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	return nil
}

// Reshaper builds Tables from stored scores.
type Reshaper struct {
	loader Loader
	labels []string
	log    logger.Logger
}

// New creates a reshaper. labels maps event index to column label and must
// be non-empty with no repeats.
func New(loader Loader, labels []string, log logger.Logger) (*Reshaper, error) {
	if len(labels) == 0 {
		return nil, errors.New("at least one event label is required")
	}
	seen := make(map[string]bool, len(labels))
	for _, label := range labels {
		if label == "" {
			return nil, errors.New("event labels must not be empty")
		}
		if seen[label] {
			return nil, fmt.Errorf("duplicate event label %q", label)
		}
		seen[label] = true
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Reshaper{
		loader: loader,
		labels: slices.Clone(labels),
		log:    log.Named("reshape"),
	}, nil
}

// Reshape loads every stored score and pivots it into one row per athlete.
// A *ShapeError or *score.ConsistencyError aborts the whole run.
func (r *Reshaper) Reshape(ctx context.Context) (*Table, error) {
	ctx, span := tracer.Start(ctx, "reshape:Reshape")
	defer span.End()

	rows, err := r.loader.LoadAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, fmt.Errorf("failed to load scores: %w", err)
	}

	result, err := r.build(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reshape failed")
		r.log.Error(ctx, "reshape aborted", logger.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("athletes", len(result.Rows)))
	r.log.Info(ctx, "scores reshaped",
		logger.Int("athletes", len(result.Rows)),
		logger.Int("events", len(r.labels)))

	return result, nil
}

func (r *Reshaper) build(rows []athletes.ScoreRow) (*Table, error) {
	grouped := make(map[int64][]athletes.ScoreRow)
	for _, row := range rows {
		grouped[row.AthleteID] = append(grouped[row.AthleteID], row)
	}

	ids := make([]int64, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	result := &Table{Labels: slices.Clone(r.labels), Rows: make([]Row, 0, len(ids))}
	for _, id := range ids {
		row, err := r.athleteRow(grouped[id])
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, row)
	}

	return result, nil
}

func (r *Reshaper) athleteRow(scores []athletes.ScoreRow) (Row, error) {
	slices.SortFunc(scores, func(a, b athletes.ScoreRow) int {
		return cmp.Compare(a.Index, b.Index)
	})

	first := scores[0]
	if !contiguous(scores, len(r.labels)) {
		indices := make([]int, len(scores))
		for i, s := range scores {
			indices[i] = s.Index
		}
		return Row{}, &ShapeError{AthleteID: first.AthleteID, Indices: indices, Want: len(r.labels)}
	}

	row := Row{
		AthleteID: first.AthleteID,
		Name:      first.Name,
		Division:  first.Division,
		Region:    first.Region,
		Events:    make([]Event, len(scores)),
	}
	for i, s := range scores {
		parsed, err := score.Parse(s.Raw)
		if err != nil {
			return Row{}, fmt.Errorf("athlete %d event %s: %w", s.AthleteID, r.labels[i], err)
		}
		row.Events[i] = Event{Label: r.labels[i], Raw: s.Raw, Score: parsed}
	}

	return row, nil
}

// contiguous reports whether sorted scores hold exactly indices 0..n-1.
func contiguous(scores []athletes.ScoreRow, n int) bool {
	if len(scores) != n {
		return false
	}
	for i, s := range scores {
		if s.Index != i {
			return false
		}
	}
	return true
}
