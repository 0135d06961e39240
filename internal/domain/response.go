package domain

// ResponseKind tags the shape of a recorded answer.
type ResponseKind string

const (
	ResponseKindText        ResponseKind = "text"
	ResponseKindChoice      ResponseKind = "choice"
	ResponseKindMultiChoice ResponseKind = "multi_choice"
	ResponseKindNumeric     ResponseKind = "numeric"
	ResponseKindAttachment  ResponseKind = "attachment"
)

// Response is a tagged union over the answer shapes a question can take:
// free text, a single choice, multiple choices, a number, or an opaque
// attachment reference (file or signature image).
type Response struct {
	Kind    ResponseKind `json:"kind" enum:"text,choice,multi_choice,numeric,attachment"`
	Text    string       `json:"text,omitempty"`
	Choice  string       `json:"choice,omitempty"`
	Choices []string     `json:"choices,omitempty"`
	Number  *float64     `json:"number,omitempty"`
	// Ref points at stored attachment data; the engine treats it as opaque.
	Ref string `json:"ref,omitempty"`
}

func TextResponse(s string) Response   { return Response{Kind: ResponseKindText, Text: s} }
func ChoiceResponse(v string) Response { return Response{Kind: ResponseKindChoice, Choice: v} }

func MultiChoiceResponse(vs ...string) Response {
	return Response{Kind: ResponseKindMultiChoice, Choices: vs}
}

func NumericResponse(n float64) Response {
	return Response{Kind: ResponseKindNumeric, Number: &n}
}

func AttachmentResponse(ref string) Response {
	return Response{Kind: ResponseKindAttachment, Ref: ref}
}

// IsZero reports whether no answer has been recorded.
func (r Response) IsZero() bool {
	return r.Kind == "" && r.Text == "" && r.Choice == "" &&
		len(r.Choices) == 0 && r.Number == nil && r.Ref == ""
}

// Value returns the scalar string the scoring engine matches against.
// Multi-choice and attachment answers have no scoring scalar.
func (r Response) Value() string {
	switch r.Kind {
	case ResponseKindChoice:
		return r.Choice
	case ResponseKindText:
		return r.Text
	}
	return ""
}
