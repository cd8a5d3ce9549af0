package inference

import (
	"math"
	"sort"

	"github.com/almonsour13/mango-lens-sub001/internal/models"
)

// TopPredictions converts raw probabilities into the reported disease
// sequence: likelihood = round(probability*100, 1 decimal), only classes
// above the relevance threshold kept, sorted descending by likelihood.
// Ties keep class-list order.
func TopPredictions(scores []float64, classes []string, threshold float64) []models.DiseasePrediction {
	var preds []models.DiseasePrediction
	for i, s := range scores {
		if i >= len(classes) {
			break
		}
		likelihood := roundTo1(s * 100)
		if likelihood > threshold {
			preds = append(preds, models.DiseasePrediction{
				DiseaseName: classes[i],
				Likelihood:  likelihood,
			})
		}
	}

	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].Likelihood > preds[j].Likelihood
	})
	return preds
}

func roundTo1(v float64) float64 {
	return math.Round(v*10) / 10
}
