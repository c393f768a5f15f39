// Package geometry provides voxel-space geometry utilities shared by the
// detection pipeline: nonzero bounding boxes, crop/uncrop mapping and
// conversion between array indices and physical coordinates.
//
// Array coordinates are (Z, Y, X); physical metadata is (X, Y, Z). Every
// function crossing that boundary applies the axis reversal explicitly.
package geometry

import "tumorscan/pkg/volume"

// BoundingBox is an inclusive box in source-volume voxel coordinates.
type BoundingBox struct {
	Z0, Z1 int
	Y0, Y1 int
	X0, X1 int
}

// NumVoxels returns the number of voxels enclosed by the box.
func (b BoundingBox) NumVoxels() int {
	return (b.Z1 - b.Z0 + 1) * (b.Y1 - b.Y0 + 1) * (b.X1 - b.X0 + 1)
}

// Shape returns the (Z, Y, X) shape of the box region.
func (b BoundingBox) Shape() [3]int {
	return [3]int{b.Z1 - b.Z0 + 1, b.Y1 - b.Y0 + 1, b.X1 - b.X0 + 1}
}

// Expand grows every face of the box by margin voxels, clamped to the
// given (Z, Y, X) volume shape.
func (b BoundingBox) Expand(margin int, shape [3]int) BoundingBox {
	e := BoundingBox{
		Z0: b.Z0 - margin, Z1: b.Z1 + margin,
		Y0: b.Y0 - margin, Y1: b.Y1 + margin,
		X0: b.X0 - margin, X1: b.X1 + margin,
	}
	if e.Z0 < 0 {
		e.Z0 = 0
	}
	if e.Y0 < 0 {
		e.Y0 = 0
	}
	if e.X0 < 0 {
		e.X0 = 0
	}
	if e.Z1 > shape[0]-1 {
		e.Z1 = shape[0] - 1
	}
	if e.Y1 > shape[1]-1 {
		e.Y1 = shape[1] - 1
	}
	if e.X1 > shape[2]-1 {
		e.X1 = shape[2] - 1
	}
	return e
}

// NonzeroBoundingBox computes the bounding box of the union of nonzero
// voxels across all given volumes. All volumes must share one shape
// (co-registration precondition, not re-validated). The second return is
// false when every voxel of every volume is zero.
func NonzeroBoundingBox(volumes []*volume.Volume) (BoundingBox, bool) {
	if len(volumes) == 0 {
		return BoundingBox{}, false
	}
	shape := volumes[0].Shape
	box := BoundingBox{
		Z0: shape[0], Y0: shape[1], X0: shape[2],
		Z1: -1, Y1: -1, X1: -1,
	}
	found := false

	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				nonzero := false
				for _, v := range volumes {
					if v.At(z, y, x) != 0 {
						nonzero = true
						break
					}
				}
				if !nonzero {
					continue
				}
				found = true
				if z < box.Z0 {
					box.Z0 = z
				}
				if z > box.Z1 {
					box.Z1 = z
				}
				if y < box.Y0 {
					box.Y0 = y
				}
				if y > box.Y1 {
					box.Y1 = y
				}
				if x < box.X0 {
					box.X0 = x
				}
				if x > box.X1 {
					box.X1 = x
				}
			}
		}
	}

	if !found {
		return BoundingBox{}, false
	}
	return box, true
}

// CropVolume slices v to the box region. The cropped volume keeps the
// source spacing and direction; its origin moves to the physical position
// of the box start, origin + boxStart*spacing per physical axis.
func CropVolume(v *volume.Volume, box BoundingBox) *volume.Volume {
	out := volume.New(box.Shape())
	out.Spacing = v.Spacing
	out.Direction = v.Direction
	out.Origin = [3]float64{
		v.Origin[0] + float64(box.X0)*v.Spacing[0],
		v.Origin[1] + float64(box.Y0)*v.Spacing[1],
		v.Origin[2] + float64(box.Z0)*v.Spacing[2],
	}
	for z := box.Z0; z <= box.Z1; z++ {
		for y := box.Y0; y <= box.Y1; y++ {
			for x := box.X0; x <= box.X1; x++ {
				out.Set(z-box.Z0, y-box.Y0, x-box.X0, v.At(z, y, x))
			}
		}
	}
	return out
}

// ExpandToFullShape places a cropped segmentation back into full-volume
// coordinates: a zero volume of the reference shape with the cropped data
// written into the box region. The box was derived from and clamped to
// the same reference shape at crop time, so no further bounds-checking is
// performed; a mismatched cropped shape is a programming error.
func ExpandToFullShape(cropped *volume.Volume, box BoundingBox, ref *volume.Volume) *volume.Volume {
	full := volume.NewLike(ref)
	for z := box.Z0; z <= box.Z1; z++ {
		for y := box.Y0; y <= box.Y1; y++ {
			for x := box.X0; x <= box.X1; x++ {
				full.Set(z, y, x, cropped.At(z-box.Z0, y-box.Y0, x-box.X0))
			}
		}
	}
	return full
}

// VoxelToPhysical converts a (possibly fractional) array coordinate
// (z, y, x) to physical (x, y, z) millimetre coordinates.
func VoxelToPhysical(v *volume.Volume, z, y, x float64) (px, py, pz float64) {
	px = v.Origin[0] + x*v.Spacing[0]
	py = v.Origin[1] + y*v.Spacing[1]
	pz = v.Origin[2] + z*v.Spacing[2]
	return px, py, pz
}

// PhysicalToVoxel converts physical (x, y, z) millimetre coordinates to a
// fractional array coordinate (z, y, x).
func PhysicalToVoxel(v *volume.Volume, px, py, pz float64) (z, y, x float64) {
	x = (px - v.Origin[0]) / v.Spacing[0]
	y = (py - v.Origin[1]) / v.Spacing[1]
	z = (pz - v.Origin[2]) / v.Spacing[2]
	return z, y, x
}
