package conversation

// Phase is a state machine step.
type Phase string

const (
	PhaseInit                 Phase = "INIT"
	PhaseAnalyzing            Phase = "ANALYZING"
	PhaseRouting              Phase = "ROUTING"
	PhaseRetrieving           Phase = "RETRIEVING"
	PhaseAnsweringFromContext Phase = "ANSWERING_FROM_CONTEXT"
	PhaseClarifying           Phase = "CLARIFYING"
	PhaseDecomposing          Phase = "DECOMPOSING"
	PhaseResponding           Phase = "RESPONDING"
	PhaseContinue             Phase = "CONTINUE"
	PhaseEnded                Phase = "ENDED"
	PhaseExpired              Phase = "EXPIRED"
	PhaseError                Phase = "ERROR"
)

// Phases lists every phase in flow order.
var Phases = []Phase{
	PhaseInit, PhaseAnalyzing, PhaseRouting, PhaseRetrieving, PhaseAnsweringFromContext,
	PhaseClarifying, PhaseDecomposing, PhaseResponding, PhaseContinue,
	PhaseEnded, PhaseExpired, PhaseError,
}

func (p Phase) Valid() bool {
	for _, known := range Phases {
		if p == known {
			return true
		}
	}
	return false
}

// Terminal phases end the conversation.
func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseExpired || p == PhaseError
}

func (p Phase) String() string { return string(p) }

// phaseHandler runs one phase of a turn and names the next one.
type phaseHandler func(e *Engine, t *turn) (Phase, error)

// handlers is the dispatch table for the non-terminal phases. Terminal
// phases have no handler; reaching one ends the turn.
var handlers = map[Phase]phaseHandler{
	PhaseInit:                 (*Engine).handleInit,
	PhaseAnalyzing:            (*Engine).handleAnalyzing,
	PhaseRouting:              (*Engine).handleRouting,
	PhaseRetrieving:           (*Engine).handleRetrieving,
	PhaseAnsweringFromContext: (*Engine).handleAnsweringFromContext,
	PhaseClarifying:           (*Engine).handleClarifying,
	PhaseDecomposing:          (*Engine).handleDecomposing,
	PhaseResponding:           (*Engine).handleResponding,
	PhaseContinue:             (*Engine).handleContinue,
}
