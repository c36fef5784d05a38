// Text softening for display copies of offending messages.
//
// The transform reduces the sting of a message while keeping it legible for
// moderator review. It is an obfuscation, not secure erasure.
package redact

import (
	"strings"
)

// Glyph replaces every masked character. It must never itself be a vowel.
const Glyph = '*'

var vowelMasker = strings.NewReplacer(
	"a", "*", "e", "*", "i", "*", "o", "*", "u", "*",
	"A", "*", "E", "*", "I", "*", "O", "*", "U", "*",
)

// Text masks ASCII vowels (either case) with Glyph. Length, consonants,
// digits, punctuation and whitespace are unchanged, and Text(Text(s)) == Text(s).
func Text(s string) string {
	return vowelMasker.Replace(s)
}
