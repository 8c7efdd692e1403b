package codec

import (
	"strings"

	"github.com/Bliod-Cook/drome/internal/types"
)

// Reasoning option keys understood by the OpenAI encoders.
const (
	OptionReasoningEffort  = "reasoning_effort"
	OptionReasoningSummary = "reasoning_summary"
)

var (
	reasoningEfforts   = []string{"minimal", "low", "medium", "high", "xhigh"}
	reasoningSummaries = map[string]bool{"auto": true, "concise": true, "detailed": true, "none": true}
)

// Reasoning is the reasoning configuration of an OpenAI request. Empty
// fields are not sent.
type Reasoning struct {
	Effort  string
	Summary string
}

// ReasoningFor reads the reasoning options of req. When no effort option is
// given, an effort suffix on the model name ("gpt-5:high") is used instead and
// removed from the returned model. Unknown values are ignored.
func ReasoningFor(req *types.GenerateRequest, model string) (Reasoning, string) {
	var r Reasoning
	if e := strings.ToLower(req.StringOption(OptionReasoningEffort)); validEffort(e) {
		r.Effort = e
	}
	if idx := strings.LastIndex(model, ":"); idx >= 0 {
		if e := strings.ToLower(strings.TrimSpace(model[idx+1:])); validEffort(e) {
			model = model[:idx]
			if r.Effort == "" {
				r.Effort = e
			}
		}
	}

	summary := strings.ToLower(req.StringOption(OptionReasoningSummary))
	if !reasoningSummaries[summary] {
		summary = ""
	}
	if summary == "" && r.Effort != "" {
		summary = "auto"
	}
	// "none" disables summaries by leaving the field out.
	if summary != "none" {
		r.Summary = summary
	}
	return r, model
}

func validEffort(e string) bool {
	for _, v := range reasoningEfforts {
		if e == v {
			return true
		}
	}
	return false
}
