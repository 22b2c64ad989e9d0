package review

// editTagTaxonomy is the closed set of reviewer edit tags from §6.3;
// approval requests carrying anything outside this set are rejected.
var editTagTaxonomy = map[string]bool{
	"TONE_CASUAL":          true,
	"TONE_FLIRT_UP":        true,
	"TONE_CRINGE_DOWN":     true,
	"TONE_ENERGY_UP":       true,
	"TONE_LESS_AI":         true,
	"TONE_ROMANTIC_UP":     true,
	"STRUCT_SHORTEN":       true,
	"STRUCT_BUBBLE":        true,
	"CONTENT_EMOJI_ADD":    true,
	"CONTENT_EMOJI_CUT":    true,
	"CONTENT_QUESTION_ADD": true,
	"CONTENT_QUESTION_CUT": true,
	"CONTENT_REWRITE":      true,
	"CONTENT_SENTENCE_ADD": true,
	"ENGLISH_SLANG":        true,
	"TEXT_SPEAK":           true,
	"CTA_SOFT":             true,
	"CTA_MEDIUM":           true,
	"CTA_DIRECT":           true,
}

// validateEditTags returns the first tag outside the taxonomy, or "" if
// every tag is recognized.
func validateEditTags(tags []string) string {
	for _, t := range tags {
		if !editTagTaxonomy[t] {
			return t
		}
	}
	return ""
}
