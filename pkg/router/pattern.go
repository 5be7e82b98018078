package router

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/dotsetgreg/dotrag/pkg/textutil"
)

// Confidence assigned by each pattern rule. All stay below what the
// generation-assisted analyzer reports for a clear classification.
const (
	confGreeting        = 0.9
	confFarewell        = 0.85
	confFollowUp        = 0.7
	confNoReferent      = 0.3
	confAggregation     = 0.75
	confComparison      = 0.75
	confListing         = 0.7
	confFactual         = 0.65
	confUnknown         = 0.35
	maxFollowUpKeywords = 2
)

var (
	greetingPattern    = regexp.MustCompile(`^(hi|hello|hey|hiya|howdy|greetings|yo|good (morning|afternoon|evening|day))\b`)
	farewellPattern    = regexp.MustCompile(`^(bye|goodbye|good bye|farewell|see (you|ya)|cya|good night|that'?s all|i'?m done|thanks?( you)?,? (bye|goodbye|that'?s all))\b|\b(bye|goodbye)$`)
	pronounPattern     = regexp.MustCompile(`\b(these|those|them|they|it|its|ones)\b`)
	aggregationPattern = regexp.MustCompile(`\b(how many|how much|count|number of|total|sum of|average|avg)\b`)
	comparisonPattern  = regexp.MustCompile(`\b(compare|comparison|versus|vs\.?|difference between|differ|better than|worse than)\b`)
	listingPattern     = regexp.MustCompile(`^(list|show|enumerate|give me)\b|\b(list|all of the|every)\b`)
	questionPattern    = regexp.MustCompile(`^(what|who|when|where|why|how|which|is|are|was|were|does|do|did|can|could|should|status)\b`)
	clauseSplit        = regexp.MustCompile(`\s*(?:[;,?]|\band\b|\bor\b|\bbut\b|\bthen\b|\balso\b|\bversus\b|\bvs\.?)\s*`)
	questionSplit      = regexp.MustCompile(`[?;]+|\.\s+`)
	identifierPattern  = regexp.MustCompile(`\b[A-Za-z]+[-_][A-Za-z0-9]+(?:[-_][A-Za-z0-9]+)*\b|\b[A-Za-z]*\d+[A-Za-z0-9]*\b`)
	quotedPattern      = regexp.MustCompile(`"([^"]+)"|'([^']{2,})'`)
	punctuationTrim    = regexp.MustCompile(`[^\w\s'-]+`)
)

// PatternAnalyzer classifies queries with keyword and regex heuristics.
// It never fails.
type PatternAnalyzer struct{}

func NewPatternAnalyzer() *PatternAnalyzer { return &PatternAnalyzer{} }

func (a *PatternAnalyzer) Name() string { return "pattern" }

func (a *PatternAnalyzer) Analyze(_ context.Context, query string, history []Turn) (Analysis, error) {
	return analyzePattern(query, history), nil
}

func analyzePattern(query string, history []Turn) Analysis {
	query = strings.TrimSpace(query)
	lower := strings.ToLower(query)
	normalized := strings.TrimSpace(punctuationTrim.ReplaceAllString(lower, " "))
	keywords := textutil.Keywords(query)
	entities := ExtractEntities(query)

	out := Analysis{
		Keywords:   keywords,
		Entities:   entities,
		Complexity: estimateComplexity(query, entities),
		Source:     "pattern",
		Query:      query,
	}

	switch {
	case normalized == "":
		out.Intent, out.Confidence = IntentClarificationNeeded, confNoReferent
	case greetingPattern.MatchString(normalized) && len(textutil.Keywords(greetingPattern.ReplaceAllString(normalized, ""))) == 0:
		out.Intent, out.Confidence = IntentGreeting, confGreeting
	case farewellPattern.MatchString(normalized):
		out.Intent, out.Confidence = IntentFarewell, confFarewell
	case isPronounFollowUp(normalized, keywords, entities):
		if hasPriorAssistantTurn(history) {
			out.Intent, out.Confidence = IntentFollowUp, confFollowUp
		} else {
			out.Intent, out.Confidence = IntentClarificationNeeded, confNoReferent
		}
	case aggregationPattern.MatchString(normalized):
		out.Intent, out.Confidence = IntentAggregation, confAggregation
	case comparisonPattern.MatchString(normalized):
		out.Intent, out.Confidence = IntentComparison, confComparison
	case listingPattern.MatchString(normalized):
		out.Intent, out.Confidence = IntentListing, confListing
	case len(keywords) > 0 && (questionPattern.MatchString(normalized) || strings.HasSuffix(query, "?") || len(entities) > 0 || len(keywords) >= 3):
		out.Intent, out.Confidence = IntentFactualLookup, confFactual
	default:
		out.Intent, out.Confidence = IntentUnknown, confUnknown
	}

	if out.Intent == IntentGreeting || out.Intent == IntentFarewell {
		out.Complexity = ComplexitySimple
	}
	return out
}

// isPronounFollowUp matches short queries whose subject is a pronoun
// referring back to earlier turns, such as "which are these?" or "fix it".
func isPronounFollowUp(normalized string, keywords, entities []string) bool {
	if len(entities) > 0 || !pronounPattern.MatchString(normalized) {
		return false
	}
	return len(keywords) <= maxFollowUpKeywords
}

func hasPriorAssistantTurn(history []Turn) bool {
	for _, t := range history {
		if t.Role == "assistant" && strings.TrimSpace(t.Content) != "" {
			return true
		}
	}
	return false
}

// estimateComplexity grades a query by length, clause count and entity count.
func estimateComplexity(query string, entities []string) Complexity {
	tokens := textutil.Tokenize(query)
	clauses := Clauses(query)
	lower := strings.ToLower(query)
	multiEntity := len(entities) >= 2 && (comparisonPattern.MatchString(lower) || aggregationPattern.MatchString(lower))

	switch {
	case len(clauses) >= 2 || multiEntity || len(tokens) > 20:
		return ComplexityComplex
	case len(tokens) <= 8 && len(entities) <= 1:
		return ComplexitySimple
	default:
		return ComplexityModerate
	}
}

// Clauses splits query on separators and conjunctions, keeping only parts
// that carry at least one keyword.
func Clauses(query string) []string {
	var out []string
	for _, part := range clauseSplit.Split(strings.TrimSpace(query), -1) {
		part = strings.TrimSpace(strings.Trim(part, ".!"))
		if part != "" && len(textutil.Keywords(part)) > 0 {
			out = append(out, part)
		}
	}
	return out
}

// ExtractEntities finds likely named things without a domain schema:
// quoted phrases, identifiers joined by delimiters or carrying digits
// (INC-1234, db_primary, v2), and runs of capitalized words that do not
// start a sentence.
func ExtractEntities(query string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(e string) {
		e = strings.TrimSpace(strings.Trim(e, `.,;:!?"'()`))
		if e == "" {
			return
		}
		key := strings.ToLower(e)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}

	for _, m := range quotedPattern.FindAllStringSubmatch(query, -1) {
		if m[1] != "" {
			add(m[1])
		} else {
			add(m[2])
		}
	}
	for _, m := range identifierPattern.FindAllString(query, -1) {
		if isIdentifier(m) {
			add(m)
		}
	}

	words := strings.Fields(query)
	var run []string
	flush := func() {
		if len(run) > 0 {
			add(strings.Join(run, " "))
			run = nil
		}
	}
	sentenceStart := true
	for _, w := range words {
		clean := strings.Trim(w, `.,;:!?"'()`)
		capitalized := clean != "" && unicode.IsUpper([]rune(clean)[0])
		lowerClean := strings.ToLower(clean)
		switch {
		case clean == "" || isIdentifier(clean):
			flush()
		case capitalized && !sentenceStart && !textutil.IsStopword(lowerClean) && lowerClean != "i":
			run = append(run, clean)
		default:
			flush()
		}
		sentenceStart = strings.ContainsAny(w[len(w)-1:], ".!?")
	}
	flush()
	return out
}

func isIdentifier(s string) bool {
	hasLetter, hasDigit, hasDelim := false, false, false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		case r == '-' || r == '_':
			hasDelim = true
		}
	}
	return hasLetter && (hasDigit || hasDelim)
}
