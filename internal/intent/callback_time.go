package intent

import (
	"regexp"
	"strings"
)

// TimeReference holds the per-category token lists extracted from an
// utterance. HasTimeReference is true whenever any category matched, so
// downstream logic can short-circuit without re-inspecting the lists.
type TimeReference struct {
	HasTimeReference bool     `json:"has_time_reference"`
	Days             []string `json:"days,omitempty"`
	Times            []string `json:"times,omitempty"`
	Relative         []string `json:"relative,omitempty"`
	Periods          []string `json:"periods,omitempty"`
}

var (
	dayPattern = regexp.MustCompile(`\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)

	// Clock times: "3 pm", "10:30 am", "4:15". A bare hour without a
	// meridiem is too ambiguous to treat as a time.
	timePattern = regexp.MustCompile(`\b\d{1,2}(:\d{2})?\s*(am|pm)\b|\b\d{1,2}:\d{2}\b`)

	// Relative-day tokens. "this afternoon" counts as relative; the
	// bare period word is still reported in Periods as well.
	relativePattern = regexp.MustCompile(`\b(tomorrow|today|tonight|this (morning|afternoon|evening)|next week)\b`)

	periodPattern = regexp.MustCompile(`\b(morning|afternoon|evening|night)\b`)
)

// DetectCallbackTime scans free text for callback-time references. It
// returns nil only when no category matched at all; otherwise the returned
// lists hold every token found, each possibly empty.
func DetectCallbackTime(text string) *TimeReference {
	lower := strings.ToLower(text)

	ref := &TimeReference{
		Days:     dedupe(dayPattern.FindAllString(lower, -1)),
		Times:    dedupe(timePattern.FindAllString(lower, -1)),
		Relative: dedupe(relativePattern.FindAllString(lower, -1)),
		Periods:  dedupe(periodPattern.FindAllString(lower, -1)),
	}

	if len(ref.Days) == 0 && len(ref.Times) == 0 && len(ref.Relative) == 0 && len(ref.Periods) == 0 {
		return nil
	}
	ref.HasTimeReference = true
	return ref
}

// dedupe removes repeated tokens, preserving first-seen order.
func dedupe(tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
