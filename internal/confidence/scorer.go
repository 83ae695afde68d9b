// Package confidence computes the publish gate score of a generated page.
package confidence

import (
	"math"

	"github.com/refwiki/backend/internal/storage/models"
)

const (
	DefaultKnowledgeOnlyScore = 0.70
	DefaultPublishThreshold   = 0.6

	hybridBase          = 0.65
	hybridQualityWeight = 0.15

	pureSimilarityWeight = 0.50
	pureSourceWeight     = 0.25
	pureLengthWeight     = 0.25
	pureSourceSaturation = 10
	pureLengthSaturation = 3000

	officialBonusRate = 0.07
	officialBonusCap  = 0.05
)

type Input struct {
	Mode          models.GenerationMode
	AvgSimilarity float64
	QualityScore  float64
	SourceCount   int
	ContentLength int
	OfficialRatio float64
}

type Scorer struct {
	knowledgeOnly    float64
	publishThreshold float64
}

func NewScorer(knowledgeOnlyScore, publishThreshold float64) *Scorer {
	if knowledgeOnlyScore <= 0 {
		knowledgeOnlyScore = DefaultKnowledgeOnlyScore
	}
	if publishThreshold <= 0 {
		publishThreshold = DefaultPublishThreshold
	}
	return &Scorer{knowledgeOnly: knowledgeOnlyScore, publishThreshold: publishThreshold}
}

func (s *Scorer) Score(in Input) float64 {
	var base float64
	switch in.Mode {
	case models.ModePureRetrieval:
		base = in.AvgSimilarity*pureSimilarityWeight +
			math.Min(float64(in.SourceCount)/pureSourceSaturation, 1)*pureSourceWeight +
			math.Min(float64(in.ContentLength)/pureLengthSaturation, 1)*pureLengthWeight
	case models.ModeHybrid:
		base = hybridBase + in.QualityScore*hybridQualityWeight
	default:
		base = s.knowledgeOnly
	}

	bonus := math.Min(math.Max(in.OfficialRatio, 0)*officialBonusRate, officialBonusCap)
	return math.Max(0, math.Min(1, base+bonus))
}

func (s *Scorer) ShouldPublish(score float64) bool {
	return score >= s.publishThreshold
}
