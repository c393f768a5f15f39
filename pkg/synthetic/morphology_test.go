package synthetic

import (
	"testing"

	"tumorscan/pkg/volume"
)

// cubeMask builds a mask with a solid cube of ones between the inclusive
// (Z, Y, X) corners.
func cubeMask(shape [3]int, lo, hi int) *volume.Volume {
	m := volume.New(shape)
	for z := lo; z <= hi; z++ {
		for y := lo; y <= hi; y++ {
			for x := lo; x <= hi; x++ {
				m.Set(z, y, x, 1)
			}
		}
	}
	return m
}

// TestErode verifies that one erosion peels one face-connected layer
func TestErode(t *testing.T) {
	m := cubeMask([3]int{10, 10, 10}, 2, 6) // 5x5x5 cube

	Erode(m, 1)
	if got := m.CountPositive(); got != 27 {
		t.Errorf("Expected a 3x3x3 core after one erosion, got %d voxels", got)
	}
	// The surviving core sits one voxel inside the original cube.
	if m.At(3, 3, 3) != 1 || m.At(5, 5, 5) != 1 {
		t.Error("Expected the core corners to survive")
	}
	if m.At(2, 2, 2) != 0 {
		t.Error("Expected the original corner to be eroded")
	}

	Erode(m, 1)
	if got := m.CountPositive(); got != 1 {
		t.Errorf("Expected a single voxel after two erosions, got %d", got)
	}
	if m.At(4, 4, 4) != 1 {
		t.Error("Expected the cube center to survive")
	}
}

// TestErodeAtVolumeEdge verifies that the border counts as background
func TestErodeAtVolumeEdge(t *testing.T) {
	m := volume.New([3]int{3, 3, 3})
	for i := range m.Data {
		m.Data[i] = 1
	}

	Erode(m, 1)
	if got := m.CountPositive(); got != 1 {
		t.Errorf("Expected only the center voxel of a full 3x3x3 block, got %d", got)
	}
	if m.At(1, 1, 1) != 1 {
		t.Error("Expected the center voxel to survive")
	}
}

// TestDilate verifies that one dilation adds the face-connected shell
func TestDilate(t *testing.T) {
	m := volume.New([3]int{7, 7, 7})
	m.Set(3, 3, 3, 1)

	Dilate(m, 1)
	// A single voxel grows into itself plus its six face neighbors.
	if got := m.CountPositive(); got != 7 {
		t.Errorf("Expected 7 voxels after one dilation, got %d", got)
	}
	if m.At(2, 3, 3) != 1 || m.At(3, 4, 3) != 1 || m.At(3, 3, 2) != 1 {
		t.Error("Expected the face neighbors to be set")
	}
	if m.At(2, 2, 3) != 0 {
		t.Error("Expected edge-connected neighbors to stay clear")
	}
}

// TestErodeDilateInverse verifies that dilation recovers a mildly
// eroded convex mask
func TestErodeDilateInverse(t *testing.T) {
	m := cubeMask([3]int{12, 12, 12}, 3, 8)
	before := m.CountPositive()

	Erode(m, 1)
	Dilate(m, 1)

	after := m.CountPositive()
	if after > before {
		t.Errorf("Expected closing not to exceed the original %d voxels, got %d", before, after)
	}
	// The cube faces are recovered; only edge and corner voxels stay lost.
	if m.At(3, 5, 5) != 1 || m.At(8, 5, 5) != 1 {
		t.Error("Expected face centers to be recovered by dilation")
	}
	if m.At(3, 3, 3) != 0 {
		t.Error("Expected cube corners to remain eroded")
	}
}
