// Package roi crops a co-registered modality set to the region of
// interest containing all nonzero signal, reducing the volume the
// segmentation predictor has to process.
package roi

import (
	"fmt"
	"os"
	"path/filepath"

	"tumorscan/pkg/geometry"
	"tumorscan/pkg/volume"
)

// maxCropRatio is the cropped/original voxel-count ratio above which
// cropping is considered not worthwhile and inference runs on the
// original, uncropped volumes.
const maxCropRatio = 0.95

// Crop holds the result of a worthwhile ROI crop.
type Crop struct {
	// Volumes are the cropped modality volumes, in input order.
	Volumes []*volume.Volume

	// Paths are the file locations the cropped volumes were written to.
	// The segmentation adapter consumes volumes by location.
	Paths []string

	// Box is the bounding box in source-volume voxel coordinates that
	// maps the cropped space back to full-volume space.
	Box geometry.BoundingBox
}

// CropToROI computes the shared nonzero bounding box across all
// modalities, expands it by margin voxels clamped to the volume bounds,
// and slices every modality to the box. Cropped volumes are written as
// mod_<i>.nii.gz into scratchDir.
//
// Returns (nil, nil) when there is nothing to crop: either the union of
// nonzero regions is empty, or the box covers more than 95% of the
// volume and cropping would not pay for itself.
func CropToROI(volumes []*volume.Volume, margin int, scratchDir string) (*Crop, error) {
	if len(volumes) == 0 {
		return nil, nil
	}

	box, ok := geometry.NonzeroBoundingBox(volumes)
	if !ok {
		return nil, nil
	}

	shape := volumes[0].Shape
	box = box.Expand(margin, shape)

	orig := shape[0] * shape[1] * shape[2]
	if float64(box.NumVoxels())/float64(orig) > maxCropRatio {
		return nil, nil
	}

	crop := &Crop{
		Volumes: make([]*volume.Volume, len(volumes)),
		Paths:   make([]string, len(volumes)),
		Box:     box,
	}
	for i, v := range volumes {
		cropped := geometry.CropVolume(v, box)
		path := filepath.Join(scratchDir, fmt.Sprintf("mod_%d.nii.gz", i))
		if err := volume.WriteFile(path, cropped, volume.DTFloat32); err != nil {
			return nil, fmt.Errorf("failed to write cropped modality %d: %w", i, err)
		}
		crop.Volumes[i] = cropped
		crop.Paths[i] = path
	}
	return crop, nil
}

// CropFiles reads the modality volumes from disk and crops them. It is a
// convenience for callers holding file locations rather than loaded
// volumes; semantics are identical to CropToROI.
func CropFiles(paths []string, margin int, scratchDir string) (*Crop, error) {
	volumes := make([]*volume.Volume, len(paths))
	for i, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("modality file missing: %w", err)
		}
		v, err := volume.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read modality %d: %w", i, err)
		}
		volumes[i] = v
	}
	return CropToROI(volumes, margin, scratchDir)
}
