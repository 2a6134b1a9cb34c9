package policy

import (
	"time"
)

// Query is the Rego query evaluated for admission. It must yield a set of
// deny messages; an empty set admits the submission.
const Query = "data.netintent.admission.deny"

// Policy is one Rego module.
type Policy struct {
	// Name is the module name, derived from the file name.
	Name string `json:"name"`

	// Source is the file the module was loaded from.
	Source string `json:"source,omitempty"`

	// Description is taken from the leading comment block.
	Description string `json:"description,omitempty"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`
}

// Input is the document policies see as `input`.
type Input struct {
	Mode        string         `json:"mode"`
	Scope       string         `json:"scope"`
	TemplateSet string         `json:"template_set"`
	Tags        []string       `json:"tags"`
	SubmittedBy string         `json:"submitted_by"`
	Intent      map[string]any `json:"intent"`
	Time        time.Time      `json:"time"`
}

// Violation is one deny message.
type Violation struct {
	// Policy is the module that produced the message, when the rule reports it.
	Policy string `json:"policy,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`
}

// Decision is the result of an admission evaluation.
type Decision struct {
	// Allowed reports whether the submission is admitted.
	Allowed bool `json:"allowed"`

	// Violations lists all deny messages, sorted.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Messages returns the violation messages.
func (d *Decision) Messages() []string {
	msgs := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		msgs = append(msgs, v.Message)
	}
	return msgs
}
