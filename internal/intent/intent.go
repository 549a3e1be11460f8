// Package intent holds the stateless pattern matchers that classify lead
// utterances and extract callback-time references. Both functions are pure:
// they never touch session state, which keeps the heuristics independently
// testable.
package intent

import (
	"regexp"
	"strings"
)

// Intent category names. The set is closed.
const (
	CategoryCannotTalkNow    = "cannot-talk-now"
	CategoryNoInterest       = "no-interest"
	CategoryWrongPerson      = "wrong-person"
	CategoryNeedsMoreInfo    = "needs-more-info"
	CategoryScheduleCallback = "schedule-callback"
	CategoryNeedsImmediate   = "needs-immediate-care"
	CategoryConfused         = "confused"
	CategoryAlreadyHaveCare  = "already-have-care"
	CategoryOther            = "other"
)

// Match is the result of classifying one utterance.
type Match struct {
	Category   string
	Confidence float64
}

// categoryDef pairs a category with its ordered pattern set and a fixed
// confidence. Categories are evaluated in priority order; the first whose
// pattern set matches wins.
type categoryDef struct {
	name       string
	confidence float64
	patterns   []*regexp.Regexp
}

func pats(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// categories, highest priority first. Immediate-care outranks more-info so
// that an urgent request is not shadowed by an information phrase in the
// same sentence; wrong-person outranks no-interest so "not interested, you
// have the wrong number" routes correctly.
var categories = []categoryDef{
	{
		name:       CategoryNeedsImmediate,
		confidence: 0.95,
		patterns: pats(
			`right away`,
			`as soon as possible`,
			`\basap\b`,
			`\burgent(ly)?\b`,
			`\bemergency\b`,
			`\bimmediately\b`,
			`need (help|care|someone) (now|today)`,
		),
	},
	{
		name:       CategoryScheduleCallback,
		confidence: 0.9,
		patterns: pats(
			`call (me )?back`,
			`\bcall ?back\b`,
			`better time`,
			`(reach|try) me (at|on|tomorrow|later)`,
			`schedule (a )?(call|time)`,
			`another time`,
		),
	},
	{
		name:       CategoryWrongPerson,
		confidence: 0.9,
		patterns: pats(
			`wrong (number|person)`,
			`(no one|nobody|no body) (here )?by that name`,
			`don'?t know (a |any )?\w+ (you|who)`,
			`never heard of`,
		),
	},
	{
		name:       CategoryAlreadyHaveCare,
		confidence: 0.85,
		patterns: pats(
			`already (have|has|found|using|working with)`,
			`(have|got) a caregiver`,
			`(it'?s|that'?s|we'?re|all) taken care of`,
			`have someone (who|that|coming)`,
		),
	},
	{
		name:       CategoryNoInterest,
		confidence: 0.85,
		patterns: pats(
			`not interested`,
			`no,? thank(s| you)`,
			`stop calling`,
			`(remove|take) (me|us) off`,
			`don'?t (call|contact) (me|us)`,
			`leave (me|us) alone`,
		),
	},
	{
		name:       CategoryCannotTalkNow,
		confidence: 0.8,
		patterns: pats(
			`can'?t talk`,
			`(busy|tied up) (right )?now`,
			`in a meeting`,
			`(i'?m |at )work(ing)?\b`,
			`\bdriving\b`,
			`bad time`,
			`in the middle of`,
		),
	},
	{
		name:       CategoryNeedsMoreInfo,
		confidence: 0.8,
		patterns: pats(
			`tell me more`,
			`more (information|info|details)`,
			`how (does|would) (it|this|that) work`,
			`what (do you|does it|does this|would it) cost`,
			`\bpricing\b`,
			`send me (some|the|more)`,
			`interested in (hearing|learning|knowing)`,
		),
	},
	{
		name:       CategoryConfused,
		confidence: 0.7,
		patterns: pats(
			`what('?s| is) this (about|regarding)`,
			`who (are you|is this)`,
			`why are you calling`,
			`don'?t understand`,
			`what company`,
		),
	},
}

// otherConfidence is the fallback confidence when no category matched.
const otherConfidence = 0.3

// DetectIntent classifies a single utterance into one of the fixed
// categories. Matching is case-insensitive; the first category (in priority
// order) whose pattern set matches wins. Utterances matching nothing fall
// through to "other" with low confidence.
func DetectIntent(text string) Match {
	lower := strings.ToLower(text)
	for _, cat := range categories {
		for _, p := range cat.patterns {
			if p.MatchString(lower) {
				return Match{Category: cat.name, Confidence: cat.confidence}
			}
		}
	}
	return Match{Category: CategoryOther, Confidence: otherConfidence}
}
