// Package leaderboard fetches leaderboard pages and extracts the
// participants listed on them.
package leaderboard

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrRowExtraction marks a participant row that could not be read.
var ErrRowExtraction = errors.New("malformed leaderboard row")

// Participant is one ranked athlete on a leaderboard page. Scores keeps the
// page's event column order.
type Participant struct {
	AthleteID int64
	Name      string
	Scores    []string
}

// RowError describes a row that was skipped. Row is the index within the
// table, counting the header as 0.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

func (e *RowError) Is(target error) bool {
	return target == ErrRowExtraction
}

// Extractor reads participants out of leaderboard pages.
type Extractor struct {
	selectors Selectors
}

// NewExtractor creates an extractor. Empty selectors fall back to
// DefaultSelectors.
func NewExtractor(selectors Selectors) *Extractor {
	return &Extractor{selectors: selectors.withDefaults()}
}

// Extract parses a page body and returns its participants.
func (e *Extractor) Extract(body []byte) (iter.Seq2[Participant, error], error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return e.Participants(doc), nil
}

// Participants yields the participants of doc in table order. The header row
// and rows without a rank cell are skipped. A row that cannot be read yields
// a *RowError and iteration continues. The sequence can be ranged over any
// number of times.
func (e *Extractor) Participants(doc *goquery.Document) iter.Seq2[Participant, error] {
	return func(yield func(Participant, error) bool) {
		rows := doc.Find(e.selectors.Table).First().Find(e.selectors.Row)

		for i := 1; i < rows.Length(); i++ {
			row := rows.Eq(i)
			if !e.hasRank(row) {
				continue
			}

			p, err := e.participant(row)
			if err != nil {
				if !yield(Participant{}, &RowError{Row: i, Err: err}) {
					return
				}
				continue
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (e *Extractor) hasRank(row *goquery.Selection) bool {
	cell := row.Find(e.selectors.Rank).First()
	return cell.Length() > 0 && strings.TrimSpace(cell.Text()) != ""
}

func (e *Extractor) participant(row *goquery.Selection) (Participant, error) {
	link := row.Find(e.selectors.Name).First().Find("a").First()
	if link.Length() == 0 {
		return Participant{}, errors.New("missing profile link")
	}

	href, _ := link.Attr("href")
	id, err := athleteID(href)
	if err != nil {
		return Participant{}, err
	}

	scores := []string{}
	var scoreErr error
	row.Find(e.selectors.Score).EachWithBreak(func(i int, cell *goquery.Selection) bool {
		value := cell.Find(e.selectors.ScoreValue).First().Contents().First()
		if value.Length() == 0 {
			scoreErr = fmt.Errorf("score cell %d is empty", i)
			return false
		}
		scores = append(scores, strings.TrimSpace(value.Text()))
		return true
	})
	if scoreErr != nil {
		return Participant{}, scoreErr
	}

	return Participant{
		AthleteID: id,
		Name:      strings.TrimSpace(link.Contents().First().Text()),
		Scores:    scores,
	}, nil
}

// athleteID reads the athlete id from the last path segment of a profile
// link, e.g. "/athlete/12345".
func athleteID(href string) (int64, error) {
	if href == "" {
		return 0, errors.New("profile link has no href")
	}

	u, err := url.Parse(href)
	if err != nil {
		return 0, fmt.Errorf("invalid profile link %q: %w", href, err)
	}

	segment := u.Path[strings.LastIndex(u.Path, "/")+1:]
	id, err := strconv.ParseInt(segment, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid athlete id in %q: %w", href, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid athlete id in %q: must be positive", href)
	}

	return id, nil
}
