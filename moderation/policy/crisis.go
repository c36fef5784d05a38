package policy

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Self-harm and acute distress language. This list is part of the moderation
// contract: changing it changes which messages bypass severity scoring.
var CrisisPatterns = []string{
	`\bi(?:'m| am)? (?:(?:want|going|plan|planning) to|wanna|gonna) (?:kill|harm|hurt) (?:myself|me)\b`,
	`\b(?:suicide|suicidal|kill myself|end my life|end it all)\b`,
	`\b(?:i(?:'m| am) (?:done|hopeless)|i can't go on|no reason to live)\b`,
}

var crisisRegex = regexp.MustCompile(`(?i)(?:` + strings.Join(CrisisPatterns, `|`) + `)`)

var apostropheFolder = strings.NewReplacer(
	"’", "'",
	"‘", "'",
	"ʼ", "'",
	"`", "'",
)

// NormalizeText applies unicode compatibility normalization and folds
// typographic apostrophes, so "I’m" and "I'm" match the same patterns.
func NormalizeText(text string) string {
	return apostropheFolder.Replace(norm.NFKC.String(text))
}

// IsCrisis reports whether any crisis pattern matches anywhere in the text,
// case-insensitively.
func IsCrisis(text string) bool {
	if text == "" {
		return false
	}
	return crisisRegex.MatchString(NormalizeText(text))
}
