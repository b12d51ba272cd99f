package pipeline

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/mozillazg/go-unidecode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

// Slugify lowercases s, transliterates it to ASCII and joins the remaining
// alphanumeric runs with single hyphens. Slugify(Slugify(s)) == Slugify(s).
func Slugify(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	// letters without a decomposition (ß, ø, ł, æ) still need transliteration
	ascii := strings.ToLower(unidecode.Unidecode(folded))
	return strings.Trim(nonAlphanumeric.ReplaceAllString(ascii, "-"), "-")
}

// ReleaseToken turns a day/month/year release date into year, month and day
// concatenated, so file names sort by date: "11/10/2014" becomes "20141011".
func ReleaseToken(release string) string {
	parts := strings.Split(strings.TrimSpace(release), "/")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "")
}
