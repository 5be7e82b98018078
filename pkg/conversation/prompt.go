package conversation

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/contextmgr"
	"github.com/dotsetgreg/dotrag/pkg/memory"
)

const systemInstruction = "You are a knowledge-base assistant. Answer only from the sources provided below. " +
	"Cite sources by their id in square brackets. If the sources do not answer the question, say so plainly."

const recallConfidence = 0.7

type promptInput struct {
	Budget     memory.ContextBudget
	Chunks     []contextmgr.Chunk
	Tools      []contextmgr.ToolDescriptor
	History    []Message
	Question   string
	Contextual bool
}

// buildPrompt renders the generation prompt. Every section is cut to its
// share of the byte budget: instructions and knowledge keep their leading
// entries, history keeps its most recent messages.
func buildPrompt(in promptInput) string {
	var instructions, notes, knowledge []string
	for _, c := range in.Chunks {
		switch c.Type {
		case contextmgr.ChunkInstruction:
			instructions = append(instructions, c.Content)
		case contextmgr.ChunkHistory:
			notes = append(notes, "- "+c.Content)
		case contextmgr.ChunkKnowledge:
			knowledge = append(knowledge, fmt.Sprintf("[%s] %s", c.Source, c.Content))
		}
	}
	for _, tool := range in.Tools {
		instructions = append(instructions, fmt.Sprintf("Tool available: %s: %s", tool.Name, tool.Description))
	}

	var history []string
	for _, m := range in.History {
		history = append(history, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}

	var b strings.Builder
	writeSection(&b, "", leading(instructions, in.Budget.Instructions))
	writeSection(&b, "Conversation so far:", trailing(history, in.Budget.History))
	writeSection(&b, "Notes from earlier in this conversation:", leading(notes, in.Budget.Memory))
	label := "Sources:"
	if in.Contextual {
		label = "Sources from the previous answer:"
	}
	writeSection(&b, label, leading(knowledge, in.Budget.Knowledge))
	b.WriteString("Question: ")
	b.WriteString(in.Question)
	b.WriteString("\nAnswer:")
	return b.String()
}

func writeSection(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	if title != "" {
		b.WriteString(title)
		b.WriteByte('\n')
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
}

// leading keeps lines from the front while they fit in budget bytes.
func leading(lines []string, budget int) []string {
	used := 0
	for i, l := range lines {
		used += len(l) + 1
		if used > budget {
			return lines[:i]
		}
	}
	return lines
}

// trailing keeps lines from the back while they fit in budget bytes.
func trailing(lines []string, budget int) []string {
	used := 0
	for i := len(lines) - 1; i >= 0; i-- {
		used += len(lines[i]) + 1
		if used > budget {
			return lines[i+1:]
		}
	}
	return lines
}
