package memory

// ContextBudget splits a prompt byte budget across its sections.
type ContextBudget struct {
	Total        int
	Instructions int
	History      int
	Memory       int
	Knowledge    int
}

// DeriveContextBudget allocates total bytes across instructions, recent
// history, recalled memory and retrieved knowledge.
func DeriveContextBudget(total int) ContextBudget {
	if total <= 0 {
		total = 16 * 1024
	}
	instructions := total * 10 / 100
	history := total * 25 / 100
	memory := total * 20 / 100
	knowledge := total - instructions - history - memory
	if memory < 512 && knowledge > 1024 {
		knowledge -= 512 - memory
		memory = 512
	}
	return ContextBudget{
		Total:        total,
		Instructions: instructions,
		History:      history,
		Memory:       memory,
		Knowledge:    knowledge,
	}
}

// Shift hands half of the memory share to knowledge when nothing was
// recalled for the turn.
func (b ContextBudget) Shift(recalled bool) ContextBudget {
	if recalled {
		return b
	}
	n := b.Memory / 2
	b.Memory -= n
	b.Knowledge += n
	return b
}
