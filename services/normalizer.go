package services

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	hyphenBreakRE  = regexp.MustCompile(`(?m)([\p{L}\p{N}])-(?:\r?\n)([\p{Ll}])`)
	spaceRE        = regexp.MustCompile("[\t\f\v ]+")
	multiSpaceRE   = regexp.MustCompile(` {2,}`)
	multiNewlineRE = regexp.MustCompile(`\n{3,}`)
	pageNumberRE   = regexp.MustCompile(`^(?:[Pp]age\s*)?\d+(?:\s*/\s*\d+)?$`)
)

var ligatureReplacer = strings.NewReplacer(
	"ﬁ", "fi",
	"ﬂ", "fl",
	"ﬀ", "ff",
	"ﬃ", "ffi",
	"ﬄ", "ffl",
	"ﬆ", "st",
)

// NormalizeText bereinigt Rohtext aus Textlayer oder OCR, bevor Felder geparst werden.
// Ligaturen werden aufgelöst, NFKC angewandt, Steuerzeichen entfernt und Trennungen repariert.
func NormalizeText(s string) string {
	s = normalizeUnicodeAndLigatures(s)
	s, _ = fixHyphenation(s)
	s = collapseWhitespace(s)

	lines := splitLines(s)
	kept := lines[:0]
	for _, l := range lines {
		if isLikelyPageNumber(l) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// CanonicalIdentity bringt Namen und Institutionen in eine vergleichbare Form:
// Kleinschreibung, ohne diakritische Zeichen, nur Buchstaben/Ziffern mit einfachen Leerzeichen.
func CanonicalIdentity(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// normalizeUnicodeAndLigatures führt NFKC-Normalisierung durch und entfernt Steuerzeichen außer Zeilenumbrüchen
func normalizeUnicodeAndLigatures(s string) string {
	s = ligatureReplacer.Replace(s)
	t := transform.Chain(norm.NFKC, runes.Remove(runes.Predicate(func(r rune) bool {
		return unicode.IsControl(r) && r != '\n' && r != '\t'
	})))
	normalized, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return normalized
}

// fixHyphenation entfernt Trennstriche am Zeilenende zwischen Wort und kleinem Anfangsbuchstaben der Folgelinie
func fixHyphenation(s string) (string, int) {
	matches := hyphenBreakRE.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s, 0
	}
	return hyphenBreakRE.ReplaceAllString(s, "$1$2"), len(matches)
}

func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = spaceRE.ReplaceAllString(s, " ")
	s = multiSpaceRE.ReplaceAllString(s, " ")
	s = multiNewlineRE.ReplaceAllString(s, "\n\n")
	lines := splitLines(s)
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func isLikelyPageNumber(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return false
	}
	return pageNumberRE.MatchString(trimmed)
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}
