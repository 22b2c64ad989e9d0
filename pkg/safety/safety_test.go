package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFoldsCaseStripsDiacriticsAndLeet(t *testing.T) {
	assert.Equal(t, "hola", Normalize("HOLA"))
	assert.Equal(t, "cafe", Normalize("café"))
	assert.Equal(t, "late", Normalize("l4t3"))
}

func TestNormalizeCollapsesNonAlphanumericRuns(t *testing.T) {
	assert.Equal(t, "hi there", Normalize("hi!!!   there??"))
}

func TestAnalyzeApprovesCleanText(t *testing.T) {
	r := Analyze("Hey, how was your day today?")
	assert.Equal(t, "approve", r.Recommendation)
	assert.Zero(t, r.RiskScore)
	assert.Empty(t, r.Flags)
}

func TestAnalyzeFlagsKeywordHit(t *testing.T) {
	r := Analyze("I love you so much, baby")
	assert.Contains(t, r.Flags, "KEYWORD:baby")
	assert.Contains(t, r.Flags, "KEYWORD:loveyou")
	assert.NotEqual(t, "approve", r.Recommendation)
}

func TestAnalyzeFlagsRegexPattern(t *testing.T) {
	r := Analyze("where do you live exactly")
	assert.Contains(t, r.Flags, "PATTERN:address")
}

func TestAnalyzeFlagsAIConfession(t *testing.T) {
	r := Analyze("As an AI, I can't do that")
	assert.Contains(t, r.Flags, "PATTERN:as_an_ai")
}

func TestAnalyzeFlagsEmojiDensity(t *testing.T) {
	r := Analyze("you're so sweet ❤❤❤❤")
	assert.Contains(t, r.Flags, "EMOJI:romantic_density")
}

func TestAnalyzeLuvVariantMatchesKeywordPatternAndEmoji(t *testing.T) {
	r := Analyze("i luv u, where do u live? ❤️❤️❤️❤️")
	assert.ElementsMatch(t, []string{"KEYWORD:luv", "PATTERN:address", "EMOJI:romantic_density"}, r.Flags)
	assert.InDelta(t, 0.6, r.RiskScore, 1e-9)
	assert.Equal(t, "flag", r.Recommendation)
}

func TestAnalyzeRiskScoreCapsAtOne(t *testing.T) {
	r := Analyze("i love you baby my love marry me soulmate as an ai send me a pic where do you live ❤❤❤❤")
	assert.LessOrEqual(t, r.RiskScore, 1.0)
	assert.Equal(t, "flag", r.Recommendation)
}

func TestAnalyzeFlagsAreSortedAndDeterministic(t *testing.T) {
	r1 := Analyze("baby i love you as an ai")
	r2 := Analyze("baby i love you as an ai")
	assert.Equal(t, r1.Flags, r2.Flags)
	sorted := append([]string(nil), r1.Flags...)
	assert.True(t, isSorted(sorted))
}

func TestRecommendationThresholds(t *testing.T) {
	assert.Equal(t, "approve", recommendationFor(0))
	assert.Equal(t, "review", recommendationFor(1))
	assert.Equal(t, "review", recommendationFor(2))
	assert.Equal(t, "flag", recommendationFor(3))
}

func isSorted(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] > s[i] {
			return false
		}
	}
	return true
}
