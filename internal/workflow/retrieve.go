package workflow

import (
	"context"

	"go.uber.org/zap"
)

// Retriever is the patient-record retrieval collaborator contract. Results
// must be scoped strictly to the given patient id.
type Retriever interface {
	Retrieve(ctx context.Context, patientID, query string, topK int) (RetrievalContext, error)
}

// retrievalStage fetches grounding context and always hands control back to
// the reasoning stage. Retrieval is best-effort enrichment: a collaborator
// failure produces an empty context, never a failed turn. The once-per-turn
// bound is enforced by the executor, not here.
type retrievalStage struct {
	retriever Retriever
	topK      int
	log       *zap.Logger
}

func (s *retrievalStage) Name() Stage { return StageRetrieve }

func (s *retrievalStage) Run(ctx context.Context, st *ConversationState) error {
	rc, err := s.retriever.Retrieve(ctx, st.PatientID, st.EffectiveQuery(), s.topK)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st.markTool("retrieval")
	if err != nil {
		s.log.Warn("record retrieval failed, continuing without grounding",
			zap.String("session_id", st.SessionID),
			zap.Error(err),
		)
		rc = RetrievalContext{}
	}
	st.Retrieved = &rc

	st.RouteTo(StageReason)
	return nil
}
