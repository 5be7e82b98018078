// Package textutil holds the tokenization shared by ranking code.
package textutil

import (
	"regexp"
	"sort"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+(?:[_\-][a-z0-9]+)*`)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"can": {}, "could": {}, "did": {}, "do": {}, "does": {}, "for": {}, "from": {},
	"had": {}, "has": {}, "have": {}, "how": {}, "i": {}, "in": {}, "into": {}, "is": {},
	"it": {}, "its": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "our": {},
	"please": {}, "so": {}, "that": {}, "the": {}, "their": {}, "them": {}, "there": {},
	"these": {}, "they": {}, "this": {}, "those": {}, "to": {}, "us": {}, "was": {},
	"we": {}, "were": {}, "what": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"why": {}, "will": {}, "with": {}, "would": {}, "you": {}, "your": {}, "about": {},
	"tell": {}, "show": {}, "give": {}, "get": {}, "many": {}, "much": {}, "all": {},
	"any": {}, "some": {}, "more": {}, "also": {}, "just": {}, "now": {}, "then": {},
}

// Tokenize lowercases text and returns alphanumeric runs, keeping
// identifier-style joins such as "inc-1234" or "db_primary" intact.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// IsStopword reports whether tok carries no topical signal.
func IsStopword(tok string) bool {
	_, ok := stopwords[tok]
	return ok
}

// Keywords returns the distinct non-stopword tokens of text in first-seen order.
func Keywords(text string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, tok := range Tokenize(text) {
		if len(tok) < 2 || IsStopword(tok) {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// KeywordSet is Keywords as a lookup set.
func KeywordSet(text string) map[string]struct{} {
	kws := Keywords(text)
	set := make(map[string]struct{}, len(kws))
	for _, kw := range kws {
		set[kw] = struct{}{}
	}
	return set
}

// Jaccard returns the token-set Jaccard similarity of two texts.
func Jaccard(a, b string) float64 {
	sa := KeywordSet(a)
	sb := KeywordSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// SortedKeys returns the keys of a string set in ascending order.
func SortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
