// Package scoring computes compliance points and completion percentages
// from a template tree and a response store. Everything here is pure: no
// I/O, no mutation, and no failure modes. Malformed scoring config
// degrades to defaults instead of erroring, so score computation can
// never fail the operation that asked for it.
package scoring

import (
	"math"

	"checkline/internal/domain"
	"checkline/internal/responses"
)

// Score is an achieved/possible point pair at any granularity.
type Score struct {
	Achieved float64 `json:"achieved"`
	Possible float64 `json:"possible"`
}

func (s Score) Add(o Score) Score {
	return Score{Achieved: s.Achieved + o.Achieved, Possible: s.Possible + o.Possible}
}

// Percentage is the rounded achieved/possible ratio; zero possible points
// yield 0, never a division error.
func (s Score) Percentage() int {
	if s.Possible <= 0 {
		return 0
	}
	return int(math.Round(s.Achieved / s.Possible * 100))
}

// Section scores one section, including nested child sections. Only
// mandatory questions of a scorable type enter the sums; a "not
// applicable" answer removes the question from both totals entirely.
func Section(sec domain.Section, store *responses.Store) Score {
	var total Score
	for _, q := range sec.Questions {
		total = total.Add(scoreQuestion(sec.ID, q, store))
	}
	for _, child := range sec.Children {
		total = total.Add(Section(child, store))
	}
	return total
}

func scoreQuestion(sectionID string, q domain.Question, store *responses.Store) Score {
	if q.Requirement != domain.RequirementMandatory || !q.Type.Scorable() {
		return Score{}
	}
	weight := q.EffectiveWeight()
	pointsPossible := q.EffectiveMax() * weight

	resp, ok := store.Get(sectionID, q.ID)
	if !ok || resp.IsZero() {
		// Unanswered mandatory questions still count against the total.
		return Score{Possible: pointsPossible}
	}
	value := resp.Value()
	if domain.IsNotApplicable(value) {
		return Score{}
	}
	if q.Scores != nil {
		if pts, found := q.Scores[value]; found {
			return Score{Achieved: pts * weight, Possible: pointsPossible}
		}
	}
	switch {
	case domain.IsFullCompliance(value):
		return Score{Achieved: pointsPossible, Possible: pointsPossible}
	case domain.IsPartialCompliance(value):
		return Score{Achieved: pointsPossible / 2, Possible: pointsPossible}
	default:
		return Score{Possible: pointsPossible}
	}
}

// Page is the sum of its sections.
func Page(p domain.Page, store *responses.Store) Score {
	var total Score
	for _, s := range p.Sections {
		total = total.Add(Section(s, store))
	}
	return total
}

// Task is the sum over the whole template tree.
func Task(t *domain.Template, store *responses.Store) Score {
	var total Score
	if t == nil {
		return total
	}
	for _, p := range t.Pages {
		total = total.Add(Page(p, store))
	}
	return total
}
