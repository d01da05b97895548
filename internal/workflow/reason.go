package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Generator is the language-model collaborator contract. One attempt per
// turn; a failure routes the turn to ErrorStage.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, prompt string, history []Message) (string, error)
}

// GenerationSystemPrompt frames every language-model call. The model never
// sees raw routing state, only the assembled context bundle.
const GenerationSystemPrompt = `You are a careful medical information assistant. ` +
	`Answer the patient's question using only general medical knowledge and any patient record excerpts or image findings provided in the context. ` +
	`Be clear and concise. Never give a definitive diagnosis, never prescribe medication, and recommend consulting a healthcare professional for anything specific to the patient's situation.`

// EmergencyDirective is the fixed short-circuit response for critical
// symptoms. It bypasses generation entirely and must reach the patient
// verbatim.
const EmergencyDirective = `Your message describes symptoms that may indicate a medical emergency. ` +
	`Please call your local emergency number or go to the nearest emergency department immediately. Do not wait for an online response.`

// reasoningStage is the core decision point: emergency short-circuit first,
// then the single bounded retrieval trigger, then generation.
type reasoningStage struct {
	generator     Generator
	emergency     Detector
	historyIntent Detector
	log           *zap.Logger
}

func (s *reasoningStage) Name() Stage { return StageReason }

func (s *reasoningStage) Run(ctx context.Context, st *ConversationState) error {
	query := st.EffectiveQuery()

	// Emergency detection runs before any tool decision and cannot be
	// suppressed by retrieval context.
	if s.emergency.Match(query) {
		st.EmergencyFlag = true
		st.Draft = EmergencyDirective
		s.log.Info("emergency short-circuit",
			zap.String("session_id", st.SessionID),
		)
		st.RouteTo(StageSafety)
		return nil
	}

	// Personal-history intent opens the one retrieval round-trip, but only
	// on the first pass and only if nothing has been retrieved yet.
	if s.historyIntent.Match(query) && st.Retrieved == nil && st.RequestRetrieval() {
		s.log.Debug("retrieval requested",
			zap.String("session_id", st.SessionID),
		)
		st.RouteTo(StageRetrieve)
		return nil
	}

	out, err := s.generator.Generate(ctx, GenerationSystemPrompt, s.buildPrompt(st), st.History)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st.markTool("generation")
	if err != nil {
		st.failTurn(KindGenerationFailed, err.Error())
		return nil
	}
	if strings.TrimSpace(out) == "" {
		st.failTurn(KindGenerationFailed, "model returned empty response")
		return nil
	}
	st.Draft = out

	st.RouteTo(StageSafety)
	return nil
}

// buildPrompt assembles the context bundle: image finding, record
// grounding, then the question itself.
func (s *reasoningStage) buildPrompt(st *ConversationState) string {
	var b strings.Builder

	if f := st.Finding; f != nil && !f.Degraded && f.Label != "" {
		fmt.Fprintf(&b, "Skin image analysis: %s (confidence %.2f).", f.Label, f.Confidence)
		if f.Note != "" {
			fmt.Fprintf(&b, " %s", f.Note)
		}
		b.WriteString("\n\n")
	}

	if rc := st.Retrieved; rc != nil && strings.TrimSpace(rc.GroundingText) != "" {
		b.WriteString("Relevant excerpts from the patient's records:\n")
		b.WriteString(rc.GroundingText)
		b.WriteString("\n\n")
	}

	b.WriteString("Patient question: ")
	b.WriteString(st.EffectiveQuery())
	return b.String()
}
