// Package score turns raw leaderboard score cells into ranks and
// prescribed/scaled flags.
package score

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// NoScore is the cell text the leaderboard uses for an event the athlete did
// not submit.
const NoScore = "-- (--)"

// ScaledMarker trails a score that was performed scaled.
const ScaledMarker = " - s"

// ErrParserConsistency means a score matched the expected shape but the match
// itself was malformed. It indicates a broken pattern, not bad input.
var ErrParserConsistency = errors.New("score pattern produced an unexpected match")

// cellPattern matches "<result> (<rank>)" with an optional scaled marker. The
// first group is the raw result and is discarded.
var cellPattern = regexp.MustCompile(`^([0-9]+) \(([0-9]+)\)( - s)*`)

// expectedGroups is the full match plus the three capture groups.
const expectedGroups = 4

// Parsed is the structured form of a score cell. Prescribed is meaningless
// when Rank is nil.
type Parsed struct {
	Rank       *int
	Prescribed bool
}

// HasRank reports whether the cell carried a rank.
func (p Parsed) HasRank() bool {
	return p.Rank != nil
}

// ConsistencyError describes a match with the wrong number of groups.
type ConsistencyError struct {
	Raw    string
	Groups []string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%v: %q gave %d groups", ErrParserConsistency, e.Raw, len(e.Groups))
}

func (e *ConsistencyError) Is(target error) bool {
	return target == ErrParserConsistency
}

// Parse classifies a raw score cell. NoScore and cells that do not match the
// expected pattern yield a Parsed without a rank. The only error is a
// *ConsistencyError.
func Parse(raw string) (Parsed, error) {
	if raw == NoScore {
		return Parsed{}, nil
	}

	groups := cellPattern.FindStringSubmatch(raw)
	if groups == nil {
		return Parsed{}, nil
	}
	return fromGroups(raw, groups)
}

func fromGroups(raw string, groups []string) (Parsed, error) {
	if len(groups) != expectedGroups {
		return Parsed{}, &ConsistencyError{Raw: raw, Groups: groups}
	}

	rank, err := strconv.Atoi(groups[2])
	if err != nil {
		// Digits only, so this is an overflowing rank. Treat as unparseable.
		return Parsed{}, nil
	}

	return Parsed{
		Rank:       &rank,
		Prescribed: groups[3] == "",
	}, nil
}
