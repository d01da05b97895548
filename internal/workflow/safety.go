package workflow

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// SafeFallbackMessage replaces a draft that fails the content or privacy
// check. Bounded, deterministic degradation: generation is never re-invoked.
const SafeFallbackMessage = "I can't provide that response. For advice specific to your situation, please consult a qualified healthcare professional."

// MedicalDisclaimer is appended to generated answers. Emergency directives
// and failure messages are never decorated with it.
const MedicalDisclaimer = "Note: this information is educational and not a substitute for professional medical advice. Please consult a healthcare provider about your specific situation."

// prohibitedPhrases are absolute-diagnosis formulations a drafted response
// must never contain. Matching is case-insensitive on normalized text.
var prohibitedPhrases = []string{
	"you definitely have",
	"you certainly have",
	"i can confirm you have",
	"i am certain you have",
	"this is definitely",
	"you are definitely suffering from",
	"there is no doubt you have",
	"you do not need to see a doctor",
	"you don't need to see a doctor",
	"no need to see a doctor",
	"you do not need medical attention",
	"stop taking your medication",
}

// safetyStage is the terminal gate before any response leaves the system.
// It never routes anywhere except workflow termination.
type safetyStage struct {
	log *zap.Logger
}

func (s *safetyStage) Name() Stage { return StageSafety }

func (s *safetyStage) Run(ctx context.Context, st *ConversationState) error {
	out := collapseWhitespace(st.Draft)

	switch {
	case containsProhibited(out):
		s.log.Warn("draft blocked by content check",
			zap.String("session_id", st.SessionID),
		)
		out = SafeFallbackMessage
		st.SafetyPassed = false
	case leaksForeignPatientID(out, st.PatientID):
		s.log.Warn("draft blocked by privacy check",
			zap.String("session_id", st.SessionID),
		)
		out = SafeFallbackMessage
		st.SafetyPassed = false
	default:
		st.SafetyPassed = true
	}

	if st.SafetyPassed && !st.EmergencyFlag && !strings.Contains(out, MedicalDisclaimer) {
		out = out + "\n\n" + MedicalDisclaimer
	}

	st.Final = out
	st.RouteTo(StageDone)
	return nil
}

func containsProhibited(text string) bool {
	t := normalizeText(text)
	for _, p := range prohibitedPhrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

// leaksForeignPatientID reports whether text references a patient
// identifier other than the current one.
func leaksForeignPatientID(text, patientID string) bool {
	for _, m := range patientIDScan.FindAllString(text, -1) {
		if m != patientID {
			return true
		}
	}
	return false
}

// collapseWhitespace trims trailing space per line and collapses runs of
// blank lines, without flattening intentional paragraph breaks. Idempotent.
func collapseWhitespace(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(strings.Join(strings.Fields(line), " "), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	// Drop a trailing blank line left by the loop.
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
