// Package normalize folds free text into the canonical form the pattern
// detector matches against. Folding defeats the cheap evasions: letter case,
// compatibility forms, invisible characters, and Cyrillic/Greek look-alikes.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var quoteReplacer = strings.NewReplacer(
	"‘", "'", "’", "'", "‛", "'", "′", "'",
	"“", `"`, "”", `"`, "‟", `"`,
)

// Fold returns s in matching form: NFKC, homoglyphs mapped to Latin,
// invisible and control characters dropped, lower case, single spaces.
func Fold(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(quoteReplacer.Replace(s))

	var sb strings.Builder
	sb.Grow(len(s))
	space := true // suppress leading space
	for _, r := range s {
		if isInvisible(r) {
			continue
		}
		if unicode.IsSpace(r) || isUnsafeControl(r) {
			if !space {
				sb.WriteByte(' ')
				space = true
			}
			continue
		}
		if latin, ok := homoglyphs[r]; ok {
			r = latin
		}
		sb.WriteRune(unicode.ToLower(r))
		space = false
	}
	return strings.TrimRight(sb.String(), " ")
}

// HasInvisible reports whether s carries characters Fold would silently drop.
func HasInvisible(s string) bool {
	for _, r := range s {
		if isInvisible(r) {
			return true
		}
	}
	return false
}

func isInvisible(r rune) bool {
	return isZeroWidth(r) || isBidiOverride(r) || isTagCharacter(r)
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200B', '\u200C', '\u200D', '\uFEFF', '\u2060', '\u180E', '\u200E', '\u200F', '\u00AD':
		return true
	}
	return false
}

func isBidiOverride(r rune) bool {
	return (r >= '\u202A' && r <= '\u202E') || (r >= '\u2066' && r <= '\u2069')
}

func isTagCharacter(r rune) bool {
	return r >= 0xE0001 && r <= 0xE007F
}

// Tab, newline and carriage return are whitespace, not control smuggling.
func isUnsafeControl(r rune) bool {
	return (r <= 0x1F && r != '\t' && r != '\n' && r != '\r') || r == 0x7F || (r >= 0x80 && r <= 0x9F)
}

// homoglyphs maps Cyrillic and Greek letters that render like Latin ones.
var homoglyphs = map[rune]rune{
	// Cyrillic
	'а': 'a', 'А': 'A', 'В': 'B', 'с': 'c', 'С': 'C', 'е': 'e', 'Е': 'E',
	'Н': 'H', 'і': 'i', 'І': 'I', 'К': 'K', 'М': 'M', 'о': 'o', 'О': 'O',
	'р': 'p', 'Р': 'P', 'Т': 'T', 'х': 'x', 'Х': 'X', 'у': 'y', 'У': 'Y',
	// Greek
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Η': 'H', 'Ι': 'I', 'Κ': 'K', 'Μ': 'M',
	'Ν': 'N', 'Ο': 'O', 'ο': 'o', 'Ρ': 'P', 'Τ': 'T', 'Χ': 'X', 'Υ': 'Y', 'Ζ': 'Z',
}
