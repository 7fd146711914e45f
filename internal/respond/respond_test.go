package respond

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectLanguageFallsBackToEnglish(t *testing.T) {
	assert.Equal(t, "en", DetectLanguage("Short note, no strong signal."))
}

func TestDetectLanguageRecognizesGerman(t *testing.T) {
	body := "Sehr geehrte Damen und Herren, das ist nicht sehr gut mit der Angelegenheit."
	assert.Equal(t, "de", DetectLanguage(body))
}

func TestDetectToneFormalForGovDomain(t *testing.T) {
	assert.Equal(t, "formal", DetectTone("finanzamt@berlin.gov.de", "Steuererklärung"))
}

func TestDetectToneDefaultsToProfessional(t *testing.T) {
	assert.Equal(t, "professional", DetectTone("colleague@firm.de", "Deadline for Project Alpha?"))
}

func TestDetectToneCasualOnMarkers(t *testing.T) {
	assert.Equal(t, "casual", DetectTone("friend@example.com", "hey quick question!"))
}

func TestValidateRejectsShortDraft(t *testing.T) {
	s := New(nil, 50, 2000)
	err := s.validate("too short")
	assert.Error(t, err)
}

func TestValidateRejectsLongDraft(t *testing.T) {
	s := New(nil, 50, 2000)
	err := s.validate(strings.Repeat("a", 2001))
	assert.Error(t, err)
}

func TestValidateAcceptsBoundaryLength(t *testing.T) {
	s := New(nil, 50, 2000)
	assert.NoError(t, s.validate(strings.Repeat("a", 50)))
	assert.Error(t, s.validate(strings.Repeat("a", 49)))
}

func TestHasGreetingOrClosingDetectsEnglish(t *testing.T) {
	assert.True(t, HasGreetingOrClosing("Hello,\nthe deadline is Dec 15th. Best regards", "en"))
	assert.False(t, HasGreetingOrClosing("the deadline is Dec 15th", "en"))
}
