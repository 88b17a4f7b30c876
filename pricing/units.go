package pricing

import "unicode/utf8"

// UnitCounter measures how many billable units a piece of text consumes.
type UnitCounter interface {
	CountUnits(text string) int64
}

// HeuristicCounter approximates units as one per CharsPerUnit characters,
// rounded up. It is not a tokenizer.
type HeuristicCounter struct {
	CharsPerUnit int
}

func (h HeuristicCounter) CountUnits(text string) int64 {
	per := h.CharsPerUnit
	if per <= 0 {
		per = 4
	}

	n := utf8.RuneCountInString(text)
	return int64((n + per - 1) / per)
}
