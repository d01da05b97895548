package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmergencyDetector(t *testing.T) {
	d := NewPhraseDetector(DefaultEmergencyPhrases())

	matches := []string{
		"I have severe chest pain and can't breathe",
		"my father is UNCONSCIOUS right now",
		"there is   uncontrolled   bleeding from the wound",
		"I think I'm having a heart attack",
	}
	for _, text := range matches {
		assert.True(t, d.Match(text), "expected emergency match: %q", text)
	}

	clean := []string{
		"What are symptoms of diabetes?",
		"my chest feels a bit tight after exercise, is that normal in general",
		"",
		"tell me about blood pressure",
	}
	for _, text := range clean {
		assert.False(t, d.Match(text), "unexpected emergency match: %q", text)
	}
}

func TestHistoryIntentDetector(t *testing.T) {
	d := NewPhraseDetector(DefaultHistoryIntentPhrases())

	assert.True(t, d.Match("What were my last blood test results?"))
	assert.True(t, d.Match("can you check MY MEDICATION list"))
	assert.True(t, d.Match("what does my medical history say"))
	assert.False(t, d.Match("what is a normal blood test result"))
	assert.False(t, d.Match("how do medications for hypertension work"))
}

func TestPhraseDetector_NormalizesWhitespace(t *testing.T) {
	d := NewPhraseDetector([]string{"severe chest pain"})
	assert.True(t, d.Match("Severe\n\tChest   Pain"))
	assert.False(t, d.Match("severe pain in chest"))
}

func TestPhraseDetector_EmptyLexicon(t *testing.T) {
	d := NewPhraseDetector(nil)
	assert.False(t, d.Match("anything at all"))
}
