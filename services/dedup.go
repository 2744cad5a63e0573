package services

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// AmbiguousMergeError meldet, dass ein Comparator zwischen widersprüchlichen Zeilen
// mit gleichem Provenance-Key nicht entscheiden kann. Es gilt dann first-wins.
type AmbiguousMergeError struct {
	Key        string
	Incumbent  int
	Challenger int
	Reason     string
}

func (e *AmbiguousMergeError) Error() string {
	return fmt.Sprintf("ambiguous merge for key %q (rows %d and %d): %s", e.Key, e.Incumbent, e.Challenger, e.Reason)
}

// Comparator entscheidet, welche von zwei Zeilen mit gleichem Provenance-Key behalten wird.
type Comparator interface {
	// Replace meldet, ob challenger die bisher gewählte Zeile incumbent ersetzt.
	Replace(t *Table, key string, incumbent, challenger int) (bool, error)
}

// FirstWins behält immer die zuerst gesehene Zeile.
type FirstWins struct{}

func (FirstWins) Replace(*Table, string, int, int) (bool, error) { return false, nil }

// ScoreComparator bevorzugt die Zeile mit dem höheren numerischen Wert in Column.
// Ein vorhandener Wert schlägt einen fehlenden.
type ScoreComparator struct {
	Column string
}

func (c ScoreComparator) Replace(t *Table, key string, incumbent, challenger int) (bool, error) {
	a, aok := parseScore(t.Value(incumbent, c.Column))
	b, bok := parseScore(t.Value(challenger, c.Column))
	switch {
	case bok && !aok:
		return true, nil
	case aok && !bok:
		return false, nil
	case aok && bok && b > a:
		return true, nil
	case aok && bok && b < a:
		return false, nil
	}
	if slices.Equal(t.Rows[incumbent], t.Rows[challenger]) {
		return false, nil
	}
	reason := "equal " + c.Column
	if !aok {
		reason = "no " + c.Column + " on either row"
	}
	return false, &AmbiguousMergeError{Key: key, Incumbent: incumbent, Challenger: challenger, Reason: reason}
}

func parseScore(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Deduplicate wählt pro Key eine Zeile. rows enthält die Zeilenindizes in Eingabereihenfolge,
// keys[i] den Key von rows[i]. Ergebnis: Gewinnerzeilen in Reihenfolge des ersten Auftretens.
func Deduplicate(t *Table, rows []int, keys []string, cmp Comparator, logger *zap.Logger) ([]int, int) {
	if cmp == nil {
		cmp = FirstWins{}
	}
	winner := make(map[string]int, len(rows))
	var order []string
	ambiguous := 0
	for i, r := range rows {
		k := keys[i]
		cur, seen := winner[k]
		if !seen {
			winner[k] = r
			order = append(order, k)
			continue
		}
		replace, err := cmp.Replace(t, k, cur, r)
		if err != nil {
			var amb *AmbiguousMergeError
			if errors.As(err, &amb) {
				ambiguous++
			}
			if logger != nil {
				logger.Warn("duplicate not resolved by comparator, keeping first row", zap.Error(err))
			}
			continue
		}
		if replace {
			winner[k] = r
		}
	}
	out := make([]int, 0, len(order))
	for _, k := range order {
		out = append(out, winner[k])
	}
	return out, ambiguous
}
