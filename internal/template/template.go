// Package template loads checklist definitions and normalizes the two
// historical tree shapes (pages/sections and recursively nested
// "subLevels") into the one canonical shape the scoring and completion
// engines traverse.
package template

import (
	"encoding/json"
	"fmt"

	"checkline/internal/domain"
)

// raw mirrors the external JSON, tolerating both tree shapes.
type rawTemplate struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Pages []struct {
		ID       string       `json:"id"`
		Name     string       `json:"name"`
		Sections []rawSection `json:"sections"`
	} `json:"pages"`
	// Legacy documents carry sections directly, without a page level.
	Sections []rawSection `json:"sections"`
}

type rawSection struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Mandatory *bool         `json:"mandatory"`
	Questions []rawQuestion `json:"questions"`
	Sections  []rawSection  `json:"sections"`
	SubLevels []rawSection  `json:"subLevels"`
}

type rawQuestion struct {
	ID          string             `json:"id"`
	Text        string             `json:"text"`
	Type        string             `json:"type"`
	Requirement string             `json:"requirementType"`
	Weight      float64            `json:"weight"`
	Scoring     *domain.Scoring    `json:"scoring"`
	Scores      map[string]float64 `json:"scores"`
	Options     []string           `json:"options"`
}

// Parse decodes template JSON and returns the canonical tree.
func Parse(data []byte) (*domain.Template, error) {
	var raw rawTemplate
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid template json: %w", err)
	}
	t := &domain.Template{ID: raw.ID, Name: raw.Name}
	for _, p := range raw.Pages {
		page := domain.Page{ID: p.ID, Name: p.Name}
		for _, s := range p.Sections {
			page.Sections = append(page.Sections, normalizeSection(s))
		}
		t.Pages = append(t.Pages, page)
	}
	// Page-less legacy documents become a single implicit page so the
	// engines only ever see one shape.
	if len(raw.Pages) == 0 && len(raw.Sections) > 0 {
		page := domain.Page{ID: raw.ID, Name: raw.Name}
		for _, s := range raw.Sections {
			page.Sections = append(page.Sections, normalizeSection(s))
		}
		t.Pages = []domain.Page{page}
	}
	if err := Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}

func normalizeSection(raw rawSection) domain.Section {
	s := domain.Section{
		ID:   raw.ID,
		Name: raw.Name,
		// Sections default to mandatory unless the template says otherwise.
		Mandatory: raw.Mandatory == nil || *raw.Mandatory,
	}
	for _, q := range raw.Questions {
		s.Questions = append(s.Questions, normalizeQuestion(q))
	}
	for _, c := range raw.Sections {
		s.Children = append(s.Children, normalizeSection(c))
	}
	for _, c := range raw.SubLevels {
		s.Children = append(s.Children, normalizeSection(c))
	}
	return s
}

func normalizeQuestion(raw rawQuestion) domain.Question {
	q := domain.Question{
		ID:          raw.ID,
		Text:        raw.Text,
		Type:        domain.QuestionType(raw.Type),
		Requirement: domain.RequirementType(raw.Requirement),
		Weight:      raw.Weight,
		Scoring:     raw.Scoring,
		Scores:      raw.Scores,
		Options:     raw.Options,
	}
	if q.Requirement == "" {
		q.Requirement = domain.RequirementMandatory
	}
	return q
}

// Validate checks identity and type integrity of a canonical template.
// Scoring defaults are intentionally not validated here: malformed scoring
// config degrades at computation time instead of failing the load.
func Validate(t *domain.Template) error {
	if t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if len(t.Pages) == 0 {
		return fmt.Errorf("template %s has no pages or sections", t.ID)
	}
	seenSections := map[string]struct{}{}
	seenQuestions := map[string]struct{}{}
	var err error
	t.WalkSections(func(s domain.Section) {
		if err != nil {
			return
		}
		if s.ID == "" {
			err = fmt.Errorf("template %s contains a section without id", t.ID)
			return
		}
		if _, dup := seenSections[s.ID]; dup {
			err = fmt.Errorf("template %s has duplicate section id %s", t.ID, s.ID)
			return
		}
		seenSections[s.ID] = struct{}{}
		for _, q := range s.Questions {
			if q.ID == "" {
				err = fmt.Errorf("section %s contains a question without id", s.ID)
				return
			}
			if _, dup := seenQuestions[q.ID]; dup {
				err = fmt.Errorf("template %s has duplicate question id %s", t.ID, q.ID)
				return
			}
			seenQuestions[q.ID] = struct{}{}
			if !q.Type.IsValid() {
				err = fmt.Errorf("question %s has unknown type %q", q.ID, q.Type)
				return
			}
			if q.Requirement != domain.RequirementMandatory && q.Requirement != domain.RequirementRecommended {
				err = fmt.Errorf("question %s has unknown requirement type %q", q.ID, q.Requirement)
				return
			}
		}
	})
	return err
}
