package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Attachment limits. Images and audio have separate extension sets and
// size caps; anything outside them fails the turn before any collaborator
// is invoked.
const (
	MaxImageBytes = 10 << 20 // 10 MiB
	MaxAudioBytes = 50 << 20 // 50 MiB
	MaxTextLength = 5000
)

var (
	imageExtensions = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true,
	}
	audioExtensions = map[string]bool{
		".wav": true, ".mp3": true, ".ogg": true, ".m4a": true, ".webm": true,
	}

	// patientIDPattern matches ids of the form Name1_Name2_<uuid>.
	patientIDPattern = regexp.MustCompile(`^[A-Z][a-z]+\d+_[A-Z][a-z]+\d+_[a-f0-9-]{36}$`)

	// patientIDScan is the unanchored form used by the safety stage to find
	// identifiers embedded in generated text.
	patientIDScan = regexp.MustCompile(`[A-Z][a-z]+\d+_[A-Z][a-z]+\d+_[a-f0-9-]{36}`)

	scriptPattern  = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	jsURLPattern   = regexp.MustCompile(`(?i)javascript:`)
	eventAttrPattern = regexp.MustCompile(`(?i)on\w+\s*=`)
)

// ValidatePatientID checks the fixed patient identifier format.
func ValidatePatientID(id string) error {
	if id == "" {
		return fmt.Errorf("patient id is required")
	}
	if !patientIDPattern.MatchString(id) {
		return fmt.Errorf("patient id %q does not match the required format", id)
	}
	return nil
}

// ValidateImageRef checks extension and on-disk size of an image attachment.
func ValidateImageRef(path string) error {
	return validateAttachment(path, imageExtensions, MaxImageBytes, "image")
}

// ValidateAudioRef checks extension and on-disk size of an audio attachment.
func ValidateAudioRef(path string) error {
	return validateAttachment(path, audioExtensions, MaxAudioBytes, "audio")
}

func validateAttachment(path string, allowed map[string]bool, maxBytes int64, kind string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if !allowed[ext] {
		return fmt.Errorf("%s extension %q is not allowed", kind, ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s attachment unreadable: %w", kind, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s attachment is empty", kind)
	}
	if info.Size() > maxBytes {
		return fmt.Errorf("%s attachment is %d bytes, limit is %d", kind, info.Size(), maxBytes)
	}
	return nil
}

// AllowedImageExtension reports whether ext (with leading dot) is accepted.
func AllowedImageExtension(ext string) bool {
	return imageExtensions[strings.ToLower(ext)]
}

// AllowedAudioExtension reports whether ext (with leading dot) is accepted.
func AllowedAudioExtension(ext string) bool {
	return audioExtensions[strings.ToLower(ext)]
}

// SanitizeText strips null bytes and script/markup injection patterns and
// caps the text length. Idempotent: sanitizing sanitized text is a no-op.
func SanitizeText(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\x00", "")
	text = scriptPattern.ReplaceAllString(text, "")
	text = jsURLPattern.ReplaceAllString(text, "")
	text = eventAttrPattern.ReplaceAllString(text, "")
	// The cap counts characters, not bytes, so multi-byte text is never
	// cut mid-rune.
	if utf8.RuneCountInString(text) > MaxTextLength {
		runes := []rune(text)
		text = string(runes[:MaxTextLength])
	}
	return strings.TrimSpace(text)
}
