package synthetic

import "tumorscan/pkg/volume"

// neighbors6 is the face-connected 3D structuring element.
var neighbors6 = [6][3]int{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

// Erode applies binary erosion with a face-connected structuring element
// for the given number of iterations, in place. Voxels outside the
// volume count as background, so the mask also shrinks at volume edges.
func Erode(mask *volume.Volume, iterations int) {
	for it := 0; it < iterations; it++ {
		src := make([]float64, len(mask.Data))
		copy(src, mask.Data)
		for z := 0; z < mask.Shape[0]; z++ {
			for y := 0; y < mask.Shape[1]; y++ {
				for x := 0; x < mask.Shape[2]; x++ {
					idx := mask.Index(z, y, x)
					if src[idx] <= 0 {
						continue
					}
					keep := true
					for _, n := range neighbors6 {
						nz, ny, nx := z+n[0], y+n[1], x+n[2]
						if nz < 0 || ny < 0 || nx < 0 ||
							nz >= mask.Shape[0] || ny >= mask.Shape[1] || nx >= mask.Shape[2] {
							keep = false
							break
						}
						if src[mask.Index(nz, ny, nx)] <= 0 {
							keep = false
							break
						}
					}
					if !keep {
						mask.Data[idx] = 0
					}
				}
			}
		}
	}
}

// Dilate applies binary dilation with a face-connected structuring
// element for the given number of iterations, in place.
func Dilate(mask *volume.Volume, iterations int) {
	for it := 0; it < iterations; it++ {
		src := make([]float64, len(mask.Data))
		copy(src, mask.Data)
		for z := 0; z < mask.Shape[0]; z++ {
			for y := 0; y < mask.Shape[1]; y++ {
				for x := 0; x < mask.Shape[2]; x++ {
					idx := mask.Index(z, y, x)
					if src[idx] > 0 {
						continue
					}
					for _, n := range neighbors6 {
						nz, ny, nx := z+n[0], y+n[1], x+n[2]
						if nz < 0 || ny < 0 || nx < 0 ||
							nz >= mask.Shape[0] || ny >= mask.Shape[1] || nx >= mask.Shape[2] {
							continue
						}
						if src[mask.Index(nz, ny, nx)] > 0 {
							mask.Data[idx] = 1
							break
						}
					}
				}
			}
		}
	}
}
