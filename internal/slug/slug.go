package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLength = 190

var asciiFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify derives a URL-safe identifier from free text: lowercase,
// diacritics folded to ASCII, runs of unsafe characters collapsed to a
// single hyphen. Returns an empty string when nothing usable remains.
func Slugify(text string) string {
	folded, _, err := transform.String(asciiFolder, text)
	if err != nil {
		folded = text
	}

	var builder strings.Builder
	builder.Grow(len(folded))
	previousHyphen := true
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			previousHyphen = false
		default:
			if !previousHyphen {
				builder.WriteByte('-')
				previousHyphen = true
			}
		}
	}

	result := strings.Trim(builder.String(), "-")
	if len(result) > maxSlugLength {
		result = strings.Trim(result[:maxSlugLength], "-")
	}
	return result
}
