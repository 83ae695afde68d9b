// Package quality classifies a retrieved chunk set into a generation mode.
package quality

import (
	"github.com/refwiki/backend/internal/storage/models"
)

type Thresholds struct {
	HighQualitySimilarity float64
	PureMinAvg            float64
	PureMinHighQuality    int
	PureMinSources        int
	HybridMinAvg          float64
	HybridMinHighQuality  int
	HybridMinSources      int
	LowMinCount           int
	LowMinAvg             float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		HighQualitySimilarity: 0.5,
		PureMinAvg:            0.60,
		PureMinHighQuality:    5,
		PureMinSources:        2,
		HybridMinAvg:          0.45,
		HybridMinHighQuality:  3,
		HybridMinSources:      1,
		LowMinCount:           3,
		LowMinAvg:             0.35,
	}
}

type Assessment struct {
	Mode             models.GenerationMode
	Count            int
	AvgSimilarity    float64
	UniqueSources    int
	HighQualityCount int
	// QualityScore is 0.6*avgSimilarity + 0.4*(highQualityCount/count), in [0,1].
	QualityScore float64
	// LowQuality marks the hybrid fallback taken on weak but non-empty retrieval.
	LowQuality bool
}

type Assessor struct {
	t Thresholds
}

func NewAssessor(t Thresholds) *Assessor {
	return &Assessor{t: t}
}

func (a *Assessor) Assess(chunks []models.Chunk) Assessment {
	res := Assessment{Count: len(chunks), Mode: models.ModeKnowledgeOnly}
	if len(chunks) == 0 {
		return res
	}

	docs := make(map[string]struct{})
	total := 0.0
	for _, c := range chunks {
		total += c.Similarity
		docs[c.DocumentID] = struct{}{}
		if c.Similarity > a.t.HighQualitySimilarity {
			res.HighQualityCount++
		}
	}
	res.AvgSimilarity = total / float64(len(chunks))
	res.UniqueSources = len(docs)
	res.QualityScore = clamp01(0.6*res.AvgSimilarity + 0.4*float64(res.HighQualityCount)/float64(len(chunks)))

	switch {
	case res.AvgSimilarity >= a.t.PureMinAvg &&
		res.HighQualityCount >= a.t.PureMinHighQuality &&
		res.UniqueSources >= a.t.PureMinSources:
		res.Mode = models.ModePureRetrieval
	case res.AvgSimilarity >= a.t.HybridMinAvg &&
		res.HighQualityCount >= a.t.HybridMinHighQuality &&
		res.UniqueSources >= a.t.HybridMinSources:
		res.Mode = models.ModeHybrid
	case res.Count >= a.t.LowMinCount && res.AvgSimilarity >= a.t.LowMinAvg:
		res.Mode = models.ModeHybrid
		res.LowQuality = true
	}
	return res
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
