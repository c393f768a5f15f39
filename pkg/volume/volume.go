// Package volume provides the in-memory representation of a 3D medical
// image volume together with NIfTI-1 file I/O.
//
// Voxel data is stored as a flat float64 array in (Z, Y, X) order, i.e.
// X varies fastest, matching the on-disk ordering of NIfTI volumes.
// Physical metadata (spacing, origin, direction) is always expressed in
// (X, Y, Z) axis order regardless of the array storage order; consumers
// converting between array indices and physical coordinates must apply
// the axis reversal explicitly.
package volume

import "fmt"

// Volume is a 3D scalar intensity volume with physical metadata.
type Volume struct {
	// Data is the voxel data as a flat array in (Z, Y, X) order:
	// index = z*NY*NX + y*NX + x.
	Data []float64

	// Shape is the array shape as (Z, Y, X) voxel counts.
	Shape [3]int

	// Spacing is the physical voxel size per axis in mm, (X, Y, Z) order.
	Spacing [3]float64

	// Origin is the physical position of voxel (0,0,0) in mm, (X, Y, Z) order.
	Origin [3]float64

	// Direction is the 3x3 orientation matrix in row-major order,
	// expressed in (X, Y, Z) axis order.
	Direction [9]float64
}

// Identity is the default direction matrix for axis-aligned volumes.
var Identity = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// New allocates a zero-filled volume of the given (Z, Y, X) shape with
// unit spacing, zero origin and identity direction.
func New(shape [3]int) *Volume {
	return &Volume{
		Data:      make([]float64, shape[0]*shape[1]*shape[2]),
		Shape:     shape,
		Spacing:   [3]float64{1, 1, 1},
		Origin:    [3]float64{0, 0, 0},
		Direction: Identity,
	}
}

// NewLike allocates a zero-filled volume with the same shape and
// physical metadata as ref.
func NewLike(ref *Volume) *Volume {
	v := New(ref.Shape)
	v.Spacing = ref.Spacing
	v.Origin = ref.Origin
	v.Direction = ref.Direction
	return v
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	c := &Volume{
		Data:      make([]float64, len(v.Data)),
		Shape:     v.Shape,
		Spacing:   v.Spacing,
		Origin:    v.Origin,
		Direction: v.Direction,
	}
	copy(c.Data, v.Data)
	return c
}

// NumVoxels returns the total number of voxels in the volume.
func (v *Volume) NumVoxels() int {
	return v.Shape[0] * v.Shape[1] * v.Shape[2]
}

// Index returns the flat array index for voxel (z, y, x).
func (v *Volume) Index(z, y, x int) int {
	return z*v.Shape[1]*v.Shape[2] + y*v.Shape[2] + x
}

// At returns the intensity at voxel (z, y, x).
func (v *Volume) At(z, y, x int) float64 {
	return v.Data[v.Index(z, y, x)]
}

// Set assigns the intensity at voxel (z, y, x).
func (v *Volume) Set(z, y, x int, value float64) {
	v.Data[v.Index(z, y, x)] = value
}

// SameShape reports whether two volumes have identical array shapes.
func (v *Volume) SameShape(other *Volume) bool {
	return v.Shape == other.Shape
}

// CountPositive returns the number of voxels with a value greater than zero.
func (v *Volume) CountPositive() int {
	n := 0
	for _, val := range v.Data {
		if val > 0 {
			n++
		}
	}
	return n
}

// AnyPositive reports whether the volume contains any voxel greater than zero.
func (v *Volume) AnyPositive() bool {
	for _, val := range v.Data {
		if val > 0 {
			return true
		}
	}
	return false
}

// Binarize maps every voxel to 1 when greater than zero, otherwise 0,
// in place. Multi-class label volumes collapse to a binary mask; applying
// it to an already binary mask is a no-op.
func (v *Volume) Binarize() {
	for i, val := range v.Data {
		if val > 0 {
			v.Data[i] = 1
		} else {
			v.Data[i] = 0
		}
	}
}

// Binarized returns a binarized copy, leaving the receiver untouched.
func (v *Volume) Binarized() *Volume {
	c := v.Clone()
	c.Binarize()
	return c
}

// Validate checks basic internal consistency of the volume.
func (v *Volume) Validate() error {
	if v.Shape[0] <= 0 || v.Shape[1] <= 0 || v.Shape[2] <= 0 {
		return fmt.Errorf("invalid volume shape %v", v.Shape)
	}
	if len(v.Data) != v.NumVoxels() {
		return fmt.Errorf("data length %d does not match shape %v (%d voxels)",
			len(v.Data), v.Shape, v.NumVoxels())
	}
	for i, s := range v.Spacing {
		if s <= 0 {
			return fmt.Errorf("non-positive spacing %f on axis %d", s, i)
		}
	}
	return nil
}
