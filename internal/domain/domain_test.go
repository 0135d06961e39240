package domain

import (
	"strings"
	"testing"
)

func TestTaskStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to TaskStatus }{
		{TaskStatusPending, TaskStatusInProgress},
		{TaskStatusPending, TaskStatusArchived},
		{TaskStatusInProgress, TaskStatusCompleted},
		{TaskStatusInProgress, TaskStatusArchived},
		{TaskStatusCompleted, TaskStatusArchived},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}
	denied := []struct{ from, to TaskStatus }{
		{TaskStatusInProgress, TaskStatusPending},
		{TaskStatusCompleted, TaskStatusInProgress},
		{TaskStatusArchived, TaskStatusCompleted},
		{TaskStatusArchived, TaskStatusArchived},
		{TaskStatusPending, TaskStatusCompleted},
		{TaskStatusPending, TaskStatusPending},
		{TaskStatusPending, TaskStatus("bogus")},
		{TaskStatus("bogus"), TaskStatusArchived},
	}
	for _, tc := range denied {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s should be denied", tc.from, tc.to)
		}
	}
}

func TestEnsureTransitionError(t *testing.T) {
	if err := EnsureTransition(TaskStatusPending, TaskStatusInProgress); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := EnsureTransition(TaskStatusCompleted, TaskStatusPending)
	if err == nil || !strings.Contains(err.Error(), "completed -> pending") {
		t.Errorf("err = %v", err)
	}
}

func TestSectionStatusIsValid(t *testing.T) {
	for _, s := range []SectionStatus{
		SectionStatusPending, SectionStatusInProgress, SectionStatusCompleted,
		SectionStatusFullCompliance, SectionStatusPartialCompliance,
		SectionStatusNonCompliance, SectionStatusNotApplicable,
	} {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if SectionStatus("done").IsValid() {
		t.Error("unknown status accepted")
	}
}

func TestComplianceValueSpellings(t *testing.T) {
	for _, v := range []string{"full_compliance", "Full Compliance", "yes", "YES"} {
		if !IsFullCompliance(v) {
			t.Errorf("IsFullCompliance(%q) = false", v)
		}
	}
	for _, v := range []string{"partial_compliance", "partial compliance", "Partial"} {
		if !IsPartialCompliance(v) {
			t.Errorf("IsPartialCompliance(%q) = false", v)
		}
	}
	for _, v := range []string{"non_compliance", "non-compliance", "no"} {
		if !IsNonCompliance(v) {
			t.Errorf("IsNonCompliance(%q) = false", v)
		}
	}
	for _, v := range []string{"not_applicable", "N/A", "na", " Not Applicable "} {
		if !IsNotApplicable(v) {
			t.Errorf("IsNotApplicable(%q) = false", v)
		}
	}
	if IsNotApplicable("yes") || IsFullCompliance("no") {
		t.Error("value helpers overlap")
	}
}

func TestExtendNotApplicable(t *testing.T) {
	if IsNotApplicable("sans objet") {
		t.Skip("spelling already registered by another test")
	}
	ExtendNotApplicable(" Sans Objet ", "")
	if !IsNotApplicable("sans objet") {
		t.Error("extended spelling not matched")
	}
}

func TestResponseValueAndZero(t *testing.T) {
	if !(Response{}).IsZero() {
		t.Error("empty response should be zero")
	}
	if ChoiceResponse("yes").IsZero() || TextResponse("x").IsZero() || NumericResponse(0).IsZero() {
		t.Error("populated responses reported zero")
	}
	if got := ChoiceResponse("yes").Value(); got != "yes" {
		t.Errorf("choice value = %q", got)
	}
	if got := TextResponse("note").Value(); got != "note" {
		t.Errorf("text value = %q", got)
	}
	if got := MultiChoiceResponse("a", "b").Value(); got != "" {
		t.Errorf("multi-choice has no scoring scalar, got %q", got)
	}
}

func TestQuestionEffectiveDefaults(t *testing.T) {
	q := Question{}
	if got := q.EffectiveWeight(); got != 1 {
		t.Errorf("EffectiveWeight = %v", got)
	}
	if got := q.EffectiveMax(); got != DefaultScoringMax {
		t.Errorf("EffectiveMax = %v", got)
	}
	q.Weight = 3
	q.Scoring = &Scoring{Max: 5}
	if q.EffectiveWeight() != 3 || q.EffectiveMax() != 5 {
		t.Errorf("explicit config ignored: %v/%v", q.EffectiveWeight(), q.EffectiveMax())
	}
}

func TestTaskSigned(t *testing.T) {
	if (Task{}).Signed() {
		t.Error("unsigned task reported signed")
	}
	if !(Task{Signature: "data:image/png;base64,xyz"}).Signed() {
		t.Error("signed task reported unsigned")
	}
}
