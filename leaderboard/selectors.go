package leaderboard

// Selectors defines where participant data lives in a leaderboard page.
type Selectors struct {
	Table      string `koanf:"table" yaml:"table"`
	Row        string `koanf:"row" yaml:"row"`
	Rank       string `koanf:"rank" yaml:"rank"`
	Name       string `koanf:"name" yaml:"name"`
	Score      string `koanf:"score" yaml:"score"`
	ScoreValue string `koanf:"score_value" yaml:"score_value"` // Element inside Score holding the text
}

// DefaultSelectors matches the games.crossfit.com leaderboard markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Table:      "table#lbtable",
		Row:        "tr",
		Rank:       "td.number",
		Name:       "td.name",
		Score:      "td.score-cell",
		ScoreValue: "span",
	}
}

// withDefaults fills empty selectors from DefaultSelectors.
func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	if s.Table == "" {
		s.Table = d.Table
	}
	if s.Row == "" {
		s.Row = d.Row
	}
	if s.Rank == "" {
		s.Rank = d.Rank
	}
	if s.Name == "" {
		s.Name = d.Name
	}
	if s.Score == "" {
		s.Score = d.Score
	}
	if s.ScoreValue == "" {
		s.ScoreValue = d.ScoreValue
	}
	return s
}
