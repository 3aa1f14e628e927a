package model

import (
	"strings"

	"github.com/untoldecay/Shepherd/internal/types"
)

// Keyword sets for the three complexity tiers. Matching is
// case-insensitive over the task description.
var (
	complexKeywords = []string{
		"refactor module", "architecture", "redesign", "migrate", "migration",
		"rewrite", "security", "concurrency", "race condition", "performance",
		"distributed", "protocol", "breaking change",
	}
	simpleKeywords = []string{
		"typo", "rename variable", "comment", "bump version", "changelog",
		"whitespace", "formatting", "readme", "doc fix", "log message",
	}
)

// ClassifyComplexity is the deterministic keyword classifier: a pure
// function of (description, tags), no I/O.
//
// Precedence: explicit complexity tags outrank keywords; when both a
// module-level and a function-level refactor pattern match, the higher
// tier wins.
func ClassifyComplexity(description string, tags []string) types.ModelTier {
	for _, tag := range tags {
		switch strings.TrimPrefix(strings.ToLower(tag), "#") {
		case "trivial":
			return types.TierHaiku
		case "simple":
			return types.TierSonnet
		case "complex":
			return types.TierOpus
		}
	}

	desc := strings.ToLower(description)
	for _, kw := range complexKeywords {
		if strings.Contains(desc, kw) {
			return types.TierOpus
		}
	}
	// "refactor" without a module-scope qualifier is a function-level
	// refactor; scope qualifiers promote it to the complex tier.
	if strings.Contains(desc, "refactor") {
		for _, scope := range []string{"module", "package", "across", "entire", "whole"} {
			if strings.Contains(desc, scope) {
				return types.TierOpus
			}
		}
		return types.TierSonnet
	}
	for _, kw := range simpleKeywords {
		if strings.Contains(desc, kw) {
			return types.TierHaiku
		}
	}
	return types.TierSonnet
}
