package template

import (
	"strings"
	"testing"

	"checkline/internal/domain"
)

const pagedDoc = `{
  "id": "tmpl-paged",
  "name": "Paged",
  "pages": [
    {
      "id": "p1",
      "name": "Page 1",
      "sections": [
        {
          "id": "s1",
          "name": "Section 1",
          "questions": [
            {"id": "q1", "text": "Extinguisher present?", "type": "compliance"},
            {"id": "q2", "text": "Notes", "type": "text", "requirementType": "recommended"}
          ],
          "sections": [
            {
              "id": "s1a",
              "name": "Nested",
              "questions": [{"id": "q3", "type": "yesno", "weight": 2}]
            }
          ]
        }
      ]
    }
  ]
}`

func TestParsePagedDocument(t *testing.T) {
	tmpl, err := Parse([]byte(pagedDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tmpl.Pages) != 1 || len(tmpl.Pages[0].Sections) != 1 {
		t.Fatalf("unexpected tree shape: %+v", tmpl)
	}
	s1 := tmpl.Pages[0].Sections[0]
	if !s1.Mandatory {
		t.Error("sections default to mandatory")
	}
	if len(s1.Children) != 1 || s1.Children[0].ID != "s1a" {
		t.Fatalf("nested section not normalized: %+v", s1.Children)
	}
	// Missing requirementType defaults to mandatory.
	if got := s1.Questions[0].Requirement; got != domain.RequirementMandatory {
		t.Errorf("q1 requirement = %q", got)
	}
	if got := s1.Questions[1].Requirement; got != domain.RequirementRecommended {
		t.Errorf("q2 requirement = %q", got)
	}
	if got := s1.Children[0].Questions[0].Weight; got != 2 {
		t.Errorf("q3 weight = %v", got)
	}
}

func TestParsePagelessDocumentGetsImplicitPage(t *testing.T) {
	doc := `{
	  "id": "tmpl-flat",
	  "name": "Flat",
	  "sections": [
	    {"id": "s1", "questions": [{"id": "q1", "type": "compliance"}]}
	  ]
	}`
	tmpl, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tmpl.Pages) != 1 {
		t.Fatalf("expected one implicit page, got %d", len(tmpl.Pages))
	}
	if tmpl.Pages[0].ID != "tmpl-flat" {
		t.Errorf("implicit page id = %q", tmpl.Pages[0].ID)
	}
	if len(tmpl.Pages[0].Sections) != 1 {
		t.Fatalf("sections not lifted into implicit page")
	}
}

func TestParseLegacySubLevels(t *testing.T) {
	doc := `{
	  "id": "tmpl-sub",
	  "sections": [
	    {
	      "id": "s1",
	      "subLevels": [
	        {"id": "s1a", "questions": [{"id": "q1", "type": "yesno"}]},
	        {"id": "s1b", "questions": [{"id": "q2", "type": "yesno"}]}
	      ]
	    }
	  ]
	}`
	tmpl, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	root := tmpl.Pages[0].Sections[0]
	if len(root.Children) != 2 {
		t.Fatalf("subLevels not normalized into children: %+v", root.Children)
	}
	var ids []string
	tmpl.WalkQuestions(func(sectionID string, q domain.Question) {
		ids = append(ids, sectionID+"/"+q.ID)
	})
	if len(ids) != 2 || ids[0] != "s1a/q1" || ids[1] != "s1b/q2" {
		t.Errorf("walk order = %v", ids)
	}
}

func TestParseExplicitlyOptionalSection(t *testing.T) {
	doc := `{
	  "id": "tmpl-opt",
	  "sections": [
	    {"id": "s1", "mandatory": false, "questions": [{"id": "q1", "type": "text"}]}
	  ]
	}`
	tmpl, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tmpl.Pages[0].Sections[0].Mandatory {
		t.Error("mandatory:false should be preserved")
	}
}

func TestParseScoresTable(t *testing.T) {
	doc := `{
	  "id": "tmpl-scores",
	  "sections": [
	    {"id": "s1", "questions": [
	      {"id": "q1", "type": "compliance", "scoring": {"max": 5, "enabled": true},
	       "scores": {"full_compliance": 5, "partial_compliance": 3}}
	    ]}
	  ]
	}`
	tmpl, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := tmpl.Pages[0].Sections[0].Questions[0]
	if q.Scoring == nil || q.Scoring.Max != 5 {
		t.Fatalf("scoring config lost: %+v", q.Scoring)
	}
	if q.Scores["partial_compliance"] != 3 {
		t.Errorf("scores table lost: %+v", q.Scores)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"missing id", `{"sections":[{"id":"s1","questions":[{"id":"q1","type":"text"}]}]}`, "id is required"},
		{"empty tree", `{"id":"t1"}`, "no pages or sections"},
		{"section without id", `{"id":"t1","sections":[{"questions":[{"id":"q1","type":"text"}]}]}`, "without id"},
		{"duplicate section", `{"id":"t1","sections":[{"id":"s1"},{"id":"s1"}]}`, "duplicate section"},
		{"duplicate question", `{"id":"t1","sections":[{"id":"s1","questions":[{"id":"q1","type":"text"},{"id":"q1","type":"text"}]}]}`, "duplicate question"},
		{"unknown type", `{"id":"t1","sections":[{"id":"s1","questions":[{"id":"q1","type":"slider"}]}]}`, "unknown type"},
		{"unknown requirement", `{"id":"t1","sections":[{"id":"s1","questions":[{"id":"q1","type":"text","requirementType":"nice-to-have"}]}]}`, "unknown requirement"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestParseInvalidJSON(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Fatal("expected error")
	}
}
