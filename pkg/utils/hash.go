package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}

// Slugify lower-cases text and joins its letter/digit runs with single hyphens.
// "Safe Sleep (AAP) Guidelines" becomes "safe-sleep-aap-guidelines".
func Slugify(text string) string {
	var b strings.Builder
	pendingHyphen := false

	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		switch {
		case r == '\'' || r == '’':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		default:
			pendingHyphen = true
		}
	}

	return b.String()
}

// TitleFromSlug turns "safe-sleep" into "Safe Sleep".
func TitleFromSlug(slug string) string {
	return TitleCase(strings.ReplaceAll(slug, "-", " "))
}

func TitleCase(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
