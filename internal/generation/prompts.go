package generation

import (
	"fmt"
	"strings"

	"github.com/refwiki/backend/internal/storage/models"
)

const baseInstructions = `You write entries for a parenting and child-health reference wiki.
Write in clear, neutral, encyclopedic markdown. Start with a level-one heading holding the
article title, follow with a short summary paragraph, then use level-two sections.
Do not give individual medical diagnoses. Point readers to a pediatrician for concerns.`

func systemPrompt(mode models.GenerationMode, lowQuality bool) string {
	var b strings.Builder
	b.WriteString(baseInstructions)
	b.WriteString("\n\n")

	switch mode {
	case models.ModePureRetrieval:
		b.WriteString(`Use only the numbered sources provided. Cite them inline as [Source N].
If the sources do not cover a point, leave it out.`)
	case models.ModeHybrid:
		b.WriteString(`Build the article on the numbered sources and cite them inline as [Source N].
Where the sources are thin you may add well-established general knowledge, without citation.
When general knowledge and a source disagree, follow the source.`)
		if lowQuality {
			b.WriteString("\nThe sources are only loosely related to the topic. Use them where they clearly apply.")
		}
	default:
		b.WriteString(`No corpus sources were found for this topic. Write from well-established,
mainstream guidance only. Be conservative, avoid specific figures you are unsure of, and say
when guidance varies.`)
	}
	return b.String()
}

func userPrompt(query, sources string) string {
	if strings.TrimSpace(sources) == "" {
		return fmt.Sprintf("Topic: %s\n\nWrite the wiki article.", query)
	}
	return fmt.Sprintf("Topic: %s\n\nSources:\n%s\n\nWrite the wiki article.", query, sources)
}
