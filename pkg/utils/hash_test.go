package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Swaddling Techniques", "swaddling-techniques"},
		{"  Safe Sleep (AAP) Guidelines ", "safe-sleep-aap-guidelines"},
		{"baby's first tooth", "babys-first-tooth"},
		{"--already--slugged--", "already-slugged"},
		{"Crème brûlée", "crème-brûlée"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
}

func TestTitleFromSlug(t *testing.T) {
	assert.Equal(t, "Swaddling Techniques", TitleFromSlug("swaddling-techniques"))
}

func TestHashStringIsStable(t *testing.T) {
	assert.Equal(t, HashString("swaddling"), HashString("swaddling"))
	assert.NotEqual(t, HashString("swaddling"), HashString("swaddle"))
	assert.Len(t, HashString("x"), 32)
}
