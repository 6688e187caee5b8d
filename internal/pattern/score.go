package pattern

import (
	"regexp"
	"strings"
)

// Scoring weights, tuned against captured transcripts. Specificity rewards
// longer patterns, strong keywords dominate, generic bare matches are
// penalized unless the line carries exceeded/reached/hit language.
const (
	baseScore = 0.3

	specificityLong   = 0.25
	specificityMedium = 0.15
	specificityShort  = 0.05

	strongKeywordBonus     = 0.4
	supportingKeywordBonus = 0.05
	supportingKeywordCap   = 0.2
	hoursReferenceBonus    = 0.2
	numericReferenceBonus  = 0.1
	errorContextBonus      = 0.1

	genericPenalty       = 0.2
	genericRecoveryBonus = 0.3
	nonGenericFloor      = 0.6
	neutralPenalty       = 0.1
)

var (
	strongKeywords = []string{
		"usage limit",
		"rate limit",
		"quota exceeded",
		"limit exceeded",
		"limit reached",
		"too many requests",
	}
	supportingKeywords = []string{
		"wait",
		"try again",
		"hours",
		"minutes",
		"usage",
		"quota",
		"please",
	}
	errorContextWords = []string{
		"error",
		"failed",
		"denied",
		"unavailable",
		"blocked",
	}
	recoveryWords = []string{"reached", "exceeded", "hit"}
	neutralTerms  = []string{"configuration", "setting", "updated", "requested"}

	genericMatches = map[string]struct{}{
		"limit":       {},
		"usage limit": {},
		"wait":        {},
	}

	hoursReference   = regexp.MustCompile(`\b\d+(\.\d+)?\s*hours?\b`)
	numericReference = regexp.MustCompile(`\d`)
)

// scoreMatch computes the confidence for one pattern match. The line
// supplies keyword context; the pattern length supplies specificity; the
// matched text decides whether the generic penalty applies.
func scoreMatch(pattern, line, matched string) float64 {
	lower := strings.ToLower(line)
	score := baseScore

	switch length := len(pattern); {
	case length >= 25:
		score += specificityLong
	case length >= 15:
		score += specificityMedium
	case length >= 8:
		score += specificityShort
	}

	if containsAny(lower, strongKeywords) {
		score += strongKeywordBonus
	}

	support := 0.0
	for _, keyword := range supportingKeywords {
		if strings.Contains(lower, keyword) {
			support += supportingKeywordBonus
		}
	}
	if support > supportingKeywordCap {
		support = supportingKeywordCap
	}
	score += support

	if hoursReference.MatchString(lower) {
		score += hoursReferenceBonus
	} else if numericReference.MatchString(lower) {
		score += numericReferenceBonus
	}

	if containsAny(lower, errorContextWords) {
		score += errorContextBonus
	}

	matchedLower := strings.ToLower(strings.TrimSpace(matched))
	if _, generic := genericMatches[matchedLower]; generic {
		score -= genericPenalty
		if containsAny(lower, recoveryWords) {
			score += genericRecoveryBonus
		}
	} else if score < nonGenericFloor {
		score = nonGenericFloor
	}

	if containsAny(lower, neutralTerms) {
		score -= neutralPenalty
	}

	return clamp01(score)
}

// heuristicScore is the keyword co-occurrence fallback used when no
// configured pattern clears the threshold.
func heuristicScore(text string) (string, float64) {
	lower := strings.ToLower(text)
	has := func(term string) bool { return strings.Contains(lower, term) }
	timeRef := hoursReference.MatchString(lower) || has("hour") || has("minute") || has(" am") || has(" pm")

	switch {
	case has("usage") && has("limit") && has("exceeded"):
		return "heuristic:usage-limit-exceeded", 0.9
	case has("quota") && has("exceeded"):
		return "heuristic:quota-exceeded", 0.85
	case has("usage") && has("limit") && has("wait") && timeRef:
		return "heuristic:usage-limit-wait", 0.85
	case (has("rate limit") || has("rate-limit")) && (timeRef || has("exceeded")):
		return "heuristic:rate-limit", 0.8
	case has("wait") && timeRef:
		return "heuristic:wait-time", 0.75
	}
	return "", 0
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
