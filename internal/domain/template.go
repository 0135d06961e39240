package domain

import "strings"

// QuestionType classifies how a question is answered and whether it scores.
type QuestionType string

const (
	QuestionTypeCompliance QuestionType = "compliance"
	QuestionTypeYesNo      QuestionType = "yesno"
	QuestionTypeRadio      QuestionType = "radio"
	QuestionTypeCheckbox   QuestionType = "checkbox"
	QuestionTypeSelect     QuestionType = "select"
	QuestionTypeText       QuestionType = "text"
	QuestionTypeNumber     QuestionType = "number"
	QuestionTypeDate       QuestionType = "date"
	QuestionTypeFile       QuestionType = "file"
	QuestionTypeSignature  QuestionType = "signature"
)

func (t QuestionType) IsValid() bool {
	switch t {
	case QuestionTypeCompliance, QuestionTypeYesNo, QuestionTypeRadio,
		QuestionTypeCheckbox, QuestionTypeSelect, QuestionTypeText,
		QuestionTypeNumber, QuestionTypeDate, QuestionTypeFile,
		QuestionTypeSignature:
		return true
	}
	return false
}

// Scorable reports whether the type contributes points. All other types
// count toward completion only.
func (t QuestionType) Scorable() bool {
	return t == QuestionTypeCompliance || t == QuestionTypeYesNo
}

// RequirementType distinguishes scoring-relevant questions from advisory ones.
type RequirementType string

const (
	RequirementMandatory   RequirementType = "mandatory"
	RequirementRecommended RequirementType = "recommended"
)

// DefaultScoringMax is the points awarded for a fully compliant answer
// when a question carries no explicit scoring configuration.
const DefaultScoringMax = 2.0

// Scoring is the per-question point configuration.
type Scoring struct {
	Max     float64 `json:"max,omitempty"`
	Enabled bool    `json:"enabled"`
}

// Question is one answerable item of a checklist.
type Question struct {
	ID          string          `json:"id"`
	Text        string          `json:"text"`
	Type        QuestionType    `json:"type" enum:"compliance,yesno,radio,checkbox,select,text,number,date,file,signature"`
	Requirement RequirementType `json:"requirement_type" enum:"mandatory,recommended"`
	Weight      float64         `json:"weight,omitempty"`
	Scoring     *Scoring        `json:"scoring,omitempty"`
	// Scores is an optional explicit table mapping a response value to a
	// point value; when present it wins over the compliance heuristic.
	Scores  map[string]float64 `json:"scores,omitempty"`
	Options []string           `json:"options,omitempty"`
}

// EffectiveWeight degrades a missing weight to 1 instead of failing.
func (q Question) EffectiveWeight() float64 {
	if q.Weight <= 0 {
		return 1
	}
	return q.Weight
}

// EffectiveMax degrades missing scoring config to the default max.
func (q Question) EffectiveMax() float64 {
	if q.Scoring == nil || q.Scoring.Max <= 0 {
		return DefaultScoringMax
	}
	return q.Scoring.Max
}

// Section groups questions; sections may nest (legacy sub-level shape is
// normalized into Children by the template loader).
type Section struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Mandatory bool       `json:"mandatory"`
	Questions []Question `json:"questions,omitempty"`
	Children  []Section  `json:"sections,omitempty"`
}

// Page is the top grouping level of a checklist.
type Page struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Sections []Section `json:"sections,omitempty"`
}

// Template is the read-only checklist definition driving a task instance.
// It is loaded once per task and never mutated afterwards.
type Template struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Pages []Page `json:"pages"`
}

// WalkSections visits every section of the template, including nested
// children, in document order.
func (t *Template) WalkSections(fn func(Section)) {
	if t == nil {
		return
	}
	for _, p := range t.Pages {
		for _, s := range p.Sections {
			walkSection(s, fn)
		}
	}
}

func walkSection(s Section, fn func(Section)) {
	fn(s)
	for _, c := range s.Children {
		walkSection(c, fn)
	}
}

// WalkQuestions visits every question of every section with its owning
// section id.
func (t *Template) WalkQuestions(fn func(sectionID string, q Question)) {
	t.WalkSections(func(s Section) {
		for _, q := range s.Questions {
			fn(s.ID, q)
		}
	})
}

// Compliance response values. Historical data carries several spellings;
// match through the helpers below rather than comparing literals.
const (
	ValueFullCompliance    = "full_compliance"
	ValuePartialCompliance = "partial_compliance"
	ValueNonCompliance     = "non_compliance"
	ValueNotApplicable     = "not_applicable"
	ValueYes               = "yes"
	ValueNo                = "no"
)

var notApplicableSpellings = map[string]struct{}{
	"not_applicable": {},
	"not applicable": {},
	"notapplicable":  {},
	"n/a":            {},
	"na":             {},
}

// ExtendNotApplicable registers additional "not applicable" spellings,
// typically from workspace configuration. Call during startup only; the
// spelling set is not safe for concurrent mutation.
func ExtendNotApplicable(spellings ...string) {
	for _, s := range spellings {
		n := normalizeValue(s)
		if n != "" {
			notApplicableSpellings[n] = struct{}{}
		}
	}
}

func normalizeValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// IsNotApplicable matches any historical spelling of "not applicable".
func IsNotApplicable(v string) bool {
	_, ok := notApplicableSpellings[normalizeValue(v)]
	return ok
}

// IsFullCompliance matches full-compliance-equivalent response values.
func IsFullCompliance(v string) bool {
	switch normalizeValue(v) {
	case ValueFullCompliance, "full compliance", ValueYes:
		return true
	}
	return false
}

// IsPartialCompliance matches partial-compliance-equivalent values.
func IsPartialCompliance(v string) bool {
	switch normalizeValue(v) {
	case ValuePartialCompliance, "partial compliance", "partial":
		return true
	}
	return false
}

// IsNonCompliance matches non-compliance-equivalent values.
func IsNonCompliance(v string) bool {
	switch normalizeValue(v) {
	case ValueNonCompliance, "non compliance", "non-compliance", ValueNo:
		return true
	}
	return false
}
