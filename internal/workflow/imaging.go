package workflow

import (
	"context"

	"go.uber.org/zap"
)

// ImageClassifier is the image-classification collaborator contract.
type ImageClassifier interface {
	Classify(ctx context.Context, imageRef string) (ImageFinding, error)
}

// imageAnalysisStage always produces exactly one finding and always routes
// on to reasoning. A collaborator failure yields a degraded finding instead
// of aborting the turn: image analysis is advisory, not blocking.
type imageAnalysisStage struct {
	classifier ImageClassifier
	log        *zap.Logger
}

func (s *imageAnalysisStage) Name() Stage { return StageImageAnalysis }

func (s *imageAnalysisStage) Run(ctx context.Context, st *ConversationState) error {
	finding, err := s.classifier.Classify(ctx, st.ImageRef)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st.markTool("image_analysis")
	if err != nil {
		s.log.Warn("image classification degraded",
			zap.String("session_id", st.SessionID),
			zap.Error(err),
		)
		finding = ImageFinding{Degraded: true}
	}
	st.Finding = &finding

	st.RouteTo(StageReason)
	return nil
}
