// Package synthetic generates deterministic-shape, volume-targeted tumor
// masks for demo and fallback use. The generated ellipsoid is constrained
// to the brain-intensity region of a reference volume and iteratively
// eroded or dilated toward a target volume fraction.
package synthetic

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"tumorscan/pkg/volume"
)

const (
	// defaultBrainThreshold is the reference intensity above which a
	// voxel counts as brain tissue.
	defaultBrainThreshold = 80

	// defaultTargetFraction is the target tumor volume as a fraction of
	// the brain-region voxel count.
	defaultTargetFraction = 0.04

	// centerBandLow/High restrict candidate tumor centers to the middle
	// of the brain-region coordinate distribution per axis, keeping the
	// tumor away from volume edges.
	centerBandLow  = 0.20
	centerBandHigh = 0.80

	// acceptLow/High bound the accepted actual/target voxel-count ratio;
	// outside the band the mask is eroded or dilated toward the target.
	acceptLow  = 0.7
	acceptHigh = 1.3
)

// Generator synthesizes tumor masks. The random source drives only the
// center selection and the ellipsoid radius perturbation; a fixed seed
// makes the generator fully deterministic.
type Generator struct {
	// BrainThreshold is the reference-volume intensity above which a
	// voxel belongs to the brain region.
	BrainThreshold float64

	// TargetFraction is the target tumor size as a fraction of the
	// brain-region voxel count.
	TargetFraction float64

	rng *rand.Rand
}

// New creates a generator with default threshold and target fraction.
// A nil rng falls back to the global random source.
func New(rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Generator{
		BrainThreshold: defaultBrainThreshold,
		TargetFraction: defaultTargetFraction,
		rng:            rng,
	}
}

// Generate produces a synthetic tumor mask shaped like an irregular
// ellipsoid placed inside the brain region of ref, sized toward
// TargetFraction of the brain volume. When ref contains no brain-region
// voxels the original mask is returned unchanged.
func (g *Generator) Generate(ref, original *volume.Volume) *volume.Volume {
	brain := make([]bool, len(ref.Data))
	brainVoxels := 0
	for i, val := range ref.Data {
		if val > g.BrainThreshold {
			brain[i] = true
			brainVoxels++
		}
	}
	if brainVoxels == 0 {
		return original
	}

	target := int(float64(brainVoxels) * g.TargetFraction)
	if target < 1 {
		target = 1
	}

	center := g.pickCenter(ref, brain)

	// Base radius for a sphere of the target volume, then perturbed into
	// an ellipsoid with the radius product renormalized so the
	// sphere-equivalent volume is preserved before clipping.
	base := math.Cbrt(float64(target) * 3 / (4 * math.Pi))
	factors := [3]float64{
		0.8 + 0.4*g.rng.Float64(),
		0.8 + 0.4*g.rng.Float64(),
		0.8 + 0.4*g.rng.Float64(),
	}
	norm := math.Cbrt(factors[0] * factors[1] * factors[2])
	radii := [3]float64{
		base * factors[0] / norm,
		base * factors[1] / norm,
		base * factors[2] / norm,
	}

	mask := volume.NewLike(ref)
	fillEllipsoid(mask, brain, center, radii)

	if mask.CountPositive() == 0 {
		// Degenerate ellipsoid; fall back to a plain sphere of the base
		// radius, still clipped to the brain region.
		fillEllipsoid(mask, brain, center, [3]float64{base, base, base})
	}

	g.correctSize(mask, brain, target)
	return mask
}

// pickCenter chooses a tumor center uniformly at random from the
// brain-region voxels whose coordinates lie within the middle band
// (20th-80th percentile per axis) of the brain coordinate distribution.
func (g *Generator) pickCenter(ref *volume.Volume, brain []bool) [3]int {
	var coords [][3]int
	var zs, ys, xs []float64
	for z := 0; z < ref.Shape[0]; z++ {
		for y := 0; y < ref.Shape[1]; y++ {
			for x := 0; x < ref.Shape[2]; x++ {
				if !brain[ref.Index(z, y, x)] {
					continue
				}
				coords = append(coords, [3]int{z, y, x})
				zs = append(zs, float64(z))
				ys = append(ys, float64(y))
				xs = append(xs, float64(x))
			}
		}
	}

	sort.Float64s(zs)
	sort.Float64s(ys)
	sort.Float64s(xs)
	zLo := stat.Quantile(centerBandLow, stat.LinInterp, zs, nil)
	zHi := stat.Quantile(centerBandHigh, stat.LinInterp, zs, nil)
	yLo := stat.Quantile(centerBandLow, stat.LinInterp, ys, nil)
	yHi := stat.Quantile(centerBandHigh, stat.LinInterp, ys, nil)
	xLo := stat.Quantile(centerBandLow, stat.LinInterp, xs, nil)
	xHi := stat.Quantile(centerBandHigh, stat.LinInterp, xs, nil)

	var middle [][3]int
	for _, c := range coords {
		z, y, x := float64(c[0]), float64(c[1]), float64(c[2])
		if z >= zLo && z <= zHi && y >= yLo && y <= yHi && x >= xLo && x <= xHi {
			middle = append(middle, c)
		}
	}
	if len(middle) == 0 {
		middle = coords
	}
	return middle[g.rng.Intn(len(middle))]
}

// fillEllipsoid sets mask voxels where the ellipsoid test passes and the
// voxel lies in the brain region.
func fillEllipsoid(mask *volume.Volume, brain []bool, center [3]int, radii [3]float64) {
	for z := 0; z < mask.Shape[0]; z++ {
		dz := (float64(z) - float64(center[0])) / radii[0]
		for y := 0; y < mask.Shape[1]; y++ {
			dy := (float64(y) - float64(center[1])) / radii[1]
			for x := 0; x < mask.Shape[2]; x++ {
				dx := (float64(x) - float64(center[2])) / radii[2]
				if dz*dz+dy*dy+dx*dx <= 1.0 {
					idx := mask.Index(z, y, x)
					if brain[idx] {
						mask.Data[idx] = 1
					}
				}
			}
		}
	}
}

// correctSize erodes or dilates the mask toward the target voxel count.
// Ratios within the acceptance band are left as-is. Dilation re-clips to
// the brain region so the tumor never escapes it.
func (g *Generator) correctSize(mask *volume.Volume, brain []bool, target int) {
	current := mask.CountPositive()
	if current == 0 {
		return
	}
	ratio := float64(current) / float64(target)

	switch {
	case ratio > acceptHigh:
		iterations := int(math.Round((ratio - 1.0) * 3))
		if iterations < 1 {
			iterations = 1
		}
		Erode(mask, iterations)
	case ratio < acceptLow:
		iterations := int(math.Round((1.0 - ratio) * 3))
		if iterations < 1 {
			iterations = 1
		}
		Dilate(mask, iterations)
		for i := range mask.Data {
			if mask.Data[i] > 0 && !brain[i] {
				mask.Data[i] = 0
			}
		}
	}
}
