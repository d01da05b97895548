package workflow

import "strings"

// Detector reports whether a piece of patient text matches a fixed phrase
// lexicon. Detection is deliberately deterministic: the reasoning stage must
// behave identically for identical text, so no model call is involved here.
type Detector interface {
	Match(text string) bool
}

type phraseDetector struct {
	phrases []string
}

// NewPhraseDetector builds a case-insensitive substring detector over the
// given phrases. Empty phrases are dropped.
func NewPhraseDetector(phrases []string) Detector {
	d := &phraseDetector{}
	for _, p := range phrases {
		p = normalizeText(p)
		if p != "" {
			d.phrases = append(d.phrases, p)
		}
	}
	return d
}

func (d *phraseDetector) Match(text string) bool {
	t := normalizeText(text)
	if t == "" {
		return false
	}
	for _, p := range d.phrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

// normalizeText lowercases and collapses all whitespace runs to single
// spaces so phrase matching is insensitive to formatting.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// DefaultEmergencyPhrases is the critical-symptom lexicon. A match forces
// the emergency short-circuit: the language model is never consulted and
// the patient is directed to emergency services. English-only for now; the
// Detector interface is the extension point for a broader lexicon.
func DefaultEmergencyPhrases() []string {
	return []string{
		"severe chest pain",
		"chest pain",
		"crushing pain in my chest",
		"difficulty breathing",
		"can't breathe",
		"cannot breathe",
		"trouble breathing",
		"struggling to breathe",
		"unconscious",
		"unconsciousness",
		"passed out",
		"not breathing",
		"uncontrolled bleeding",
		"severe bleeding",
		"bleeding heavily",
		"heart attack",
		"stroke",
		"seizure",
		"overdose",
		"anaphylaxis",
		"severe allergic reaction",
		"suicidal",
		"want to end my life",
	}
}

// DefaultHistoryIntentPhrases is the personal-history lexicon. A match
// means the patient is asking about their own records, which triggers the
// single bounded retrieval pass.
func DefaultHistoryIntentPhrases() []string {
	return []string{
		"my history",
		"my medical history",
		"my medical records",
		"my records",
		"my medication",
		"my medications",
		"my prescription",
		"my prescriptions",
		"my test results",
		"my lab results",
		"my blood test",
		"my last blood",
		"my last visit",
		"my last test",
		"my previous test",
		"my previous visit",
		"my allergies",
		"my diagnosis",
		"my treatment",
		"my condition",
		"were my last",
		"my past results",
	}
}
