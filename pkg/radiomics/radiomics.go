// Package radiomics computes quantitative features from an image and a
// tumor mask. The Extractor interface treats feature extraction as a
// black-box function from (image, mask) to a flat feature map; FirstOrder
// is the built-in implementation covering first-order intensity
// statistics.
package radiomics

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"tumorscan/pkg/volume"
)

// ErrEmptyMask is returned when the mask selects no voxels.
var ErrEmptyMask = errors.New("mask selects no voxels")

// Extractor computes a flat name->value feature map for the image voxels
// selected by the mask.
type Extractor interface {
	Extract(img, mask *volume.Volume) (map[string]float64, error)
}

// FirstOrder extracts first-order intensity statistics over the masked
// region. Feature names follow the original_firstorder_* convention so
// downstream consumers can treat them uniformly with externally computed
// feature maps.
type FirstOrder struct {
	// Bins is the histogram bin count used for entropy and uniformity.
	// Zero selects the default of 64.
	Bins int
}

func (e *FirstOrder) Extract(img, mask *volume.Volume) (map[string]float64, error) {
	if !img.SameShape(mask) {
		return nil, errors.New("image and mask shapes differ")
	}

	var values []float64
	for i, m := range mask.Data {
		if m > 0 {
			values = append(values, img.Data[i])
		}
	}
	if len(values) == 0 {
		return nil, ErrEmptyMask
	}
	sort.Float64s(values)

	n := float64(len(values))
	mean := stat.Mean(values, nil)
	variance := stat.Variance(values, nil)

	energy := 0.0
	for _, v := range values {
		energy += v * v
	}

	features := map[string]float64{
		"original_firstorder_VoxelCount":        n,
		"original_firstorder_Mean":              mean,
		"original_firstorder_Median":            stat.Quantile(0.5, stat.LinInterp, values, nil),
		"original_firstorder_Minimum":           values[0],
		"original_firstorder_Maximum":           values[len(values)-1],
		"original_firstorder_Range":             values[len(values)-1] - values[0],
		"original_firstorder_Variance":          variance,
		"original_firstorder_StandardDeviation": math.Sqrt(variance),
		"original_firstorder_Skewness":          stat.Skew(values, nil),
		"original_firstorder_Kurtosis":          stat.ExKurtosis(values, nil),
		"original_firstorder_Energy":            energy,
		"original_firstorder_RootMeanSquared":   math.Sqrt(energy / n),
		"original_firstorder_10Percentile":      stat.Quantile(0.10, stat.LinInterp, values, nil),
		"original_firstorder_90Percentile":      stat.Quantile(0.90, stat.LinInterp, values, nil),
	}
	features["original_firstorder_Entropy"],
		features["original_firstorder_Uniformity"] = histogramStats(values, e.bins())
	return features, nil
}

func (e *FirstOrder) bins() int {
	if e.Bins > 0 {
		return e.Bins
	}
	return 64
}

// histogramStats computes Shannon entropy (bits) and uniformity over a
// fixed-width intensity histogram of the sorted values.
func histogramStats(sorted []float64, bins int) (entropy, uniformity float64) {
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi <= lo {
		// Constant region: a single occupied bin.
		return 0, 1
	}
	hist := make([]float64, bins)
	width := (hi - lo) / float64(bins)
	for _, v := range sorted {
		idx := int((v - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		hist[idx]++
	}
	n := float64(len(sorted))
	for _, count := range hist {
		if count == 0 {
			continue
		}
		p := count / n
		entropy -= p * math.Log2(p)
		uniformity += p * p
	}
	return entropy, uniformity
}
