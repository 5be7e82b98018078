package conversation

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/contextmgr"
	"github.com/dotsetgreg/dotrag/pkg/retrieval"
	"github.com/dotsetgreg/dotrag/pkg/router"
)

const (
	expiredText  = "This conversation expired after a period of inactivity. Send your message again to start a new one."
	degradedText = "Sorry, something went wrong while handling that. Please try again."

	maxCitedSources = 5
	maxExcerptBytes = 280
)

func directText(intent router.Intent) string {
	if intent == router.IntentFarewell {
		return "Goodbye! Start a new message any time you need something else."
	}
	return "Hello! Ask me about anything in the knowledge base and I'll look it up."
}

func clarificationText(a router.Analysis) string {
	switch {
	case a.Intent == router.IntentFollowUp:
		return "I don't have earlier results to refer back to. What would you like me to look up?"
	case strings.TrimSpace(a.Query) == "":
		return "I didn't catch a question. What would you like to know?"
	case len(a.Entities) == 0:
		return "Could you be more specific? Tell me which service, incident or time range you mean."
	default:
		return fmt.Sprintf("Could you say a little more about what you need regarding %s?", strings.Join(a.Entities, ", "))
	}
}

// extractiveAnswer lists the sources when no generated answer is available.
func extractiveAnswer(sources []retrieval.Source, route router.Route, degraded bool) string {
	if len(sources) == 0 {
		if degraded {
			return "The knowledge search is unavailable right now, so I couldn't look that up. Please try again shortly."
		}
		return "I couldn't find anything in the knowledge base about that."
	}
	var b strings.Builder
	if route == router.RouteContextualAnswer {
		b.WriteString("Based on the results we just discussed:")
	} else {
		b.WriteString("Here is what I found:")
	}
	for i, src := range sources {
		if i == maxCitedSources {
			break
		}
		fmt.Fprintf(&b, "\n%d. %s [%s]", i+1, excerpt(src.Content), src.SourceID)
	}
	return b.String()
}

// knowledgeSources returns the sources admitted to the context, in their
// original order.
func knowledgeSources(chunks []contextmgr.Chunk, sources []retrieval.Source) []retrieval.Source {
	admitted := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		admitted[c.Source+"\x00"+c.Content] = struct{}{}
	}
	var out []retrieval.Source
	for _, src := range sources {
		if _, ok := admitted[strings.TrimSpace(src.SourceID)+"\x00"+strings.TrimSpace(src.Content)]; ok {
			out = append(out, src)
		}
	}
	return out
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxExcerptBytes {
		return s
	}
	cut := strings.LastIndexByte(s[:maxExcerptBytes], ' ')
	if cut <= 0 {
		cut = maxExcerptBytes
	}
	return s[:cut] + "..."
}
