package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// StageRunner is the contract every stage implements. Run mutates the state
// it is handed and records a routing decision; it returns a non-nil error
// only when the turn must be abandoned outright (context cancellation).
// Stage-level failures are contained: the stage routes to ErrorStage and
// returns nil.
type StageRunner interface {
	Name() Stage
	Run(ctx context.Context, st *ConversationState) error
}

// stageGraph is the explicit edge table: for each stage, the set of stages
// it may legally route to. The single legal cycle is reason -> retrieve ->
// reason, bounded to one retrieval pass by the executor. ErrorStage is
// additionally reachable from everywhere as the failure sink.
var stageGraph = map[Stage][]Stage{
	StageClassify:      {StageTranscribe, StageImageAnalysis, StageReason},
	StageTranscribe:    {StageImageAnalysis, StageReason},
	StageImageAnalysis: {StageReason},
	StageReason:        {StageRetrieve, StageSafety},
	StageRetrieve:      {StageReason},
	StageSafety:        {StageDone},
	StageError:         {StageDone},
}

// DefaultStepBudget caps stage invocations per turn. The longest legal path
// (classify, transcribe, image, reason, retrieve, reason, safety) is seven
// steps; anything past the budget is a routing bug.
const DefaultStepBudget = 10

// DefaultTopK bounds record retrieval per turn.
const DefaultTopK = 3

// DefaultHistoryWindow is the FIFO cap on prior messages carried into a turn.
const DefaultHistoryWindow = 5

// Deps are the external collaborators the stages invoke.
type Deps struct {
	Transcriber Transcriber
	Classifier  ImageClassifier
	Retriever   Retriever
	Generator   Generator
}

// Config tunes the executor. Zero values fall back to the defaults above.
type Config struct {
	StepBudget           int
	TopK                 int
	HistoryWindow        int
	EmergencyPhrases     []string
	HistoryIntentPhrases []string
}

func (c Config) withDefaults() Config {
	if c.StepBudget <= 0 {
		c.StepBudget = DefaultStepBudget
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if len(c.EmergencyPhrases) == 0 {
		c.EmergencyPhrases = DefaultEmergencyPhrases()
	}
	if len(c.HistoryIntentPhrases) == 0 {
		c.HistoryIntentPhrases = DefaultHistoryIntentPhrases()
	}
	return c
}

// Executor drives one ConversationState through the stage graph until a
// terminal stage completes. It owns the graph, the step budget, and the
// once-per-turn retrieval bound; stages own everything else.
type Executor struct {
	stages map[Stage]StageRunner
	budget int
	window int
	log    *zap.Logger
}

// NewExecutor wires the standard stage set against the given collaborators.
func NewExecutor(deps Deps, cfg Config, log *zap.Logger) *Executor {
	cfg = cfg.withDefaults()
	e := &Executor{
		budget: cfg.StepBudget,
		window: cfg.HistoryWindow,
		log:    log,
	}
	e.stages = map[Stage]StageRunner{
		StageClassify:      &inputClassifier{log: log},
		StageTranscribe:    &transcriptionStage{stt: deps.Transcriber, log: log},
		StageImageAnalysis: &imageAnalysisStage{classifier: deps.Classifier, log: log},
		StageRetrieve:      &retrievalStage{retriever: deps.Retriever, topK: cfg.TopK, log: log},
		StageReason: &reasoningStage{
			generator:     deps.Generator,
			emergency:     NewPhraseDetector(cfg.EmergencyPhrases),
			historyIntent: NewPhraseDetector(cfg.HistoryIntentPhrases),
			log:           log,
		},
		StageSafety: &safetyStage{log: log},
		StageError:  &errorStage{log: log},
	}
	return e
}

// run executes one turn to termination. The returned error is non-nil only
// when the turn was abandoned (cancellation); every contained failure ends
// with ErrorStage writing the generic message instead.
func (e *Executor) run(ctx context.Context, st *ConversationState) error {
	prev := Stage("")
	retrievals := 0

	for steps := 0; st.next != StageDone; steps++ {
		next := st.next

		if steps >= e.budget && next != StageError {
			st.failTurn(KindWorkflowExceeded, fmt.Sprintf("step budget of %d exhausted at stage %q", e.budget, next))
			continue
		}

		// Invariant: retrieval runs at most once per turn, no matter what
		// routing decisions the stages record.
		if next == StageRetrieve {
			if retrievals >= 1 {
				st.failTurn(KindUnclassified, "retrieval re-entry refused")
				continue
			}
			retrievals++
		}

		runner, ok := e.stages[next]
		if !ok || !legalTransition(prev, next) {
			if next == StageError {
				// The error stage itself is unroutable only through executor
				// misconfiguration; surface that instead of looping.
				return fmt.Errorf("workflow: error stage unavailable")
			}
			st.failTurn(KindUnclassified, fmt.Sprintf("illegal transition %q -> %q", prev, next))
			continue
		}

		if err := runner.Run(ctx, st); err != nil {
			return err
		}

		// A stage must hand off a state it just produced; leaving the
		// routing decision untouched would re-enter it with stale state.
		if st.next == next {
			st.failTurn(KindUnclassified, fmt.Sprintf("stage %q did not route", next))
		}
		prev = next
	}
	return nil
}

// legalTransition consults the edge table. Entry is only via classify, and
// ErrorStage is always reachable as the failure sink.
func legalTransition(prev, next Stage) bool {
	if prev == "" {
		return next == StageClassify
	}
	if next == StageError {
		return true
	}
	for _, allowed := range stageGraph[prev] {
		if allowed == next {
			return true
		}
	}
	return false
}
