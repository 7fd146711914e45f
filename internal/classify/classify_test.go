package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bborn/mailassist/internal/db"
)

func TestPreFilterMatchesKnownPrefixes(t *testing.T) {
	assert.True(t, PreFilter("noreply@medium.com"))
	assert.True(t, PreFilter("Newsletter <digest@substack.com>"))
	assert.True(t, PreFilter("promo@send.mailchimp.com"))
	assert.False(t, PreFilter("colleague@firm.de"))
}

func TestValidateAcceptsExactFolderMatch(t *testing.T) {
	folders := []*db.FolderCategory{{ID: 1, Name: "Work"}, {ID: 2, Name: "Important"}}
	resp := llmResponse{SuggestedFolder: "Work", PriorityScore: 200, Confidence: 2, NeedsResponse: true}
	r := validate(resp, folders)
	assert.Equal(t, "Work", r.SuggestedFolder)
	assert.Equal(t, int64(1), r.ProposedFolderID)
	assert.Equal(t, 100, r.PriorityScore) // clamped
	assert.Equal(t, 1.0, r.Confidence)    // clamped
	assert.Equal(t, "en", r.DetectedLanguage)
	assert.Equal(t, db.ToneProfessional, r.Tone)
}

func TestValidateFallsBackToImportantOnMismatch(t *testing.T) {
	folders := []*db.FolderCategory{{ID: 1, Name: "Work"}, {ID: 2, Name: "Important"}}
	resp := llmResponse{SuggestedFolder: "Nonexistent"}
	r := validate(resp, folders)
	assert.Equal(t, "Important", r.SuggestedFolder)
	assert.Equal(t, int64(2), r.ProposedFolderID)
}

func TestPreFilterResultIsSyntheticNotLLM(t *testing.T) {
	folders := []*db.FolderCategory{{ID: 5, Name: "Important"}}
	r := preFilterResult(folders)
	assert.True(t, r.PreFiltered)
	assert.False(t, r.NeedsResponse)
	assert.Equal(t, 10, r.PriorityScore)
	assert.Equal(t, 1.0, r.Confidence)
	assert.Equal(t, int64(5), r.ProposedFolderID)
}

func TestToClassificationResultTagsNeedsResponse(t *testing.T) {
	r := &Result{NeedsResponse: true, ResponseDraft: "hi"}
	cr := r.ToClassificationResult()
	assert.Equal(t, db.ClassificationNeedsResponse, cr.Classification)
	assert.Equal(t, "hi", cr.DraftResponse)
}

func TestDetectPriorityGovDomainCrossesThreshold(t *testing.T) {
	score, isPriority := DetectPriority("clerk@senate.gov", "Re: filing", "please review", nil, 70)
	assert.Equal(t, 50, score)
	assert.False(t, isPriority)
}

func TestDetectPriorityCombinesSignalsToExceedThreshold(t *testing.T) {
	score, isPriority := DetectPriority("clerk@senate.gov", "URGENT: filing", "please review asap", nil, 70)
	assert.Equal(t, 80, score)
	assert.True(t, isPriority)
}

func TestDetectPriorityMatchesConfiguredSender(t *testing.T) {
	score, isPriority := DetectPriority("boss@firm.com", "weekly sync", "notes", []string{"boss@firm.com"}, 40)
	assert.Equal(t, 40, score)
	assert.True(t, isPriority)
}

func TestDetectPriorityPlainMailScoresZero(t *testing.T) {
	score, isPriority := DetectPriority("friend@example.com", "lunch?", "want to grab lunch", nil, 70)
	assert.Equal(t, 0, score)
	assert.False(t, isPriority)
}
