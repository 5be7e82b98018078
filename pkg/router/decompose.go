package router

import (
	"regexp"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/textutil"
)

var connectorPattern = regexp.MustCompile(`(?i)\s*(?:,|\band\b|\bor\b|\bversus\b|\bvs\.?|\bbetween\b|\bwith\b)\s*`)

// Decompose splits a compound query into independent sub-queries in the
// order they appear. Several questions in one message become one sub-query
// each; otherwise a query naming several entities becomes one sub-query per
// entity with the shared wording kept. Fewer than two results means the
// query is not decomposable.
func Decompose(query string, entities []string, max int) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	var subs []string
	for _, part := range questionSplit.Split(query, -1) {
		part = strings.TrimSpace(strings.Trim(part, ".!"))
		if len(textutil.Keywords(part)) > 0 {
			subs = append(subs, part)
		}
	}
	if len(subs) < 2 && len(entities) >= 2 {
		subs = perEntity(query, entities)
	}

	subs = dedupe(subs)
	if len(subs) < 2 {
		return nil
	}
	if max > 0 && len(subs) > max {
		subs = subs[:max]
	}
	return subs
}

// perEntity removes every entity mention and connector from query and
// appends one entity at a time to the remaining wording.
func perEntity(query string, entities []string) []string {
	base := query
	for _, e := range entities {
		base = replaceFold(base, e, " ")
	}
	base = connectorPattern.ReplaceAllString(base, " ")
	base = strings.Join(strings.Fields(strings.Trim(base, "?.! ")), " ")

	out := make([]string, 0, len(entities))
	for _, e := range entities {
		if base == "" {
			out = append(out, e)
			continue
		}
		out = append(out, base+" "+e)
	}
	return out
}

func replaceFold(s, old, repl string) string {
	if old == "" {
		return s
	}
	lower := strings.ToLower(s)
	target := strings.ToLower(old)
	var b strings.Builder
	i := 0
	for {
		j := strings.Index(lower[i:], target)
		if j < 0 {
			b.WriteString(s[i:])
			return b.String()
		}
		b.WriteString(s[i : i+j])
		b.WriteString(repl)
		i += j + len(old)
	}
}

func dedupe(items []string) []string {
	seen := map[string]struct{}{}
	out := items[:0]
	for _, it := range items {
		key := strings.ToLower(it)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}
