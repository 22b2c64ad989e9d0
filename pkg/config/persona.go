package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Persona holds the identity text C14 exposes to the rest of the pipeline:
// the short system prompt used to steer stage-1's creative draft, and the
// stage-2 "constitution" which must stay byte-identical across requests so
// it forms the stable, cacheable prefix described in §4.6.
type Persona struct {
	// DraftPrompt is the stage-1 persona system prompt.
	DraftPrompt string
	// StablePrefix is the stage-2 constitution text. Loaded once and never
	// mutated at request time — any per-request data belongs in the dynamic
	// suffix the Router builds around it, never in this string.
	StablePrefix string
	// Traits is free-form persona trait text, appended to logs/debugging
	// contexts but not part of either prompt.
	Traits string
}

const (
	draftPromptFile   = "draft_prompt.txt"
	stablePrefixFile  = "constitution.txt"
	traitsFile        = "traits.txt"
	minStablePrefixLen = 1024 // characters, a conservative floor for the ≥1024-token requirement
)

// LoadPersona reads the three persona blobs from dir (PERSONA_PATH).
// draft_prompt.txt and constitution.txt are mandatory; traits.txt is
// optional. Fails fast per §7's "persona blobs missing" fatal-error class.
func LoadPersona(dir string) (*Persona, error) {
	draft, err := readPersonaFile(filepath.Join(dir, draftPromptFile))
	if err != nil {
		return nil, fmt.Errorf("loading persona draft prompt: %w", err)
	}
	prefix, err := readPersonaFile(filepath.Join(dir, stablePrefixFile))
	if err != nil {
		return nil, fmt.Errorf("loading persona stable prefix: %w", err)
	}
	if len(prefix) < minStablePrefixLen {
		return nil, fmt.Errorf("persona stable prefix is %d chars, need at least %d to qualify as a cacheable stable prefix", len(prefix), minStablePrefixLen)
	}

	traits := ""
	if b, err := os.ReadFile(filepath.Join(dir, traitsFile)); err == nil {
		traits = strings.TrimRight(string(b), "\n")
	}

	return &Persona{
		DraftPrompt:  draft,
		StablePrefix: prefix,
		Traits:       traits,
	}, nil
}

// readPersonaFile strips "#"-prefixed header lines (the way config values
// are stripped of inline comments) and joins what remains with newlines,
// preserving blank-line paragraph breaks so the text stays byte-identical
// between process restarts — a prerequisite for cache shaping.
func readPersonaFile(path string) (string, error) {
	lines, err := readCommentStrippedLines(path)
	if err != nil {
		return "", err
	}
	text := strings.TrimRight(strings.Join(lines, "\n"), "\n")
	if text == "" {
		return "", fmt.Errorf("%s is empty after stripping comment lines", path)
	}
	return text, nil
}
