package analysis

// Metadata is the image-geometry snapshot taken from the reference
// modality, kept for downstream rendering. All fields are in (X, Y, Z)
// axis order per the physical-coordinate convention.
type Metadata struct {
	// Spacing is the physical voxel size in mm.
	Spacing [3]float64 `json:"spacing"`

	// Origin is the physical position of voxel (0,0,0) in mm.
	Origin [3]float64 `json:"origin"`

	// Dimensions is the volume extent in voxels.
	Dimensions [3]int `json:"dimensions"`

	// Direction is the row-major 3x3 orientation matrix.
	Direction [9]float64 `json:"direction"`
}

// Result is the quantitative analysis of a detected tumor. It is created
// once per successful detection and immutable afterwards; the JSON field
// names are part of the persisted record format.
type Result struct {
	VolumeCC   float64 `json:"volume_cc"`
	VolumeMM3  float64 `json:"volume_mm3"`
	VoxelCount int     `json:"voxel_count"`

	// CentroidVoxelZYX is the mean positive-voxel coordinate in array
	// (Z, Y, X) order.
	CentroidVoxelZYX [3]float64 `json:"centroid_voxel_zyx"`

	// CentroidPhysicalXYZ is the centroid converted to physical (X, Y, Z)
	// millimetre coordinates.
	CentroidPhysicalXYZ [3]float64 `json:"centroid_physical_xyz"`

	// Hemisphere is "left" or "right", classified by the centroid's
	// X voxel coordinate relative to the volume midline.
	Hemisphere string `json:"hemisphere"`

	// MidlineShiftMM is the absolute displacement of the centroid from
	// the midline, in millimetres.
	MidlineShiftMM float64 `json:"midline_shift_mm"`

	ImageMetadata *Metadata `json:"image_metadata"`

	// MaskShape is the mask array shape in (Z, Y, X) order.
	MaskShape [3]int `json:"mask_shape"`

	// MaskDtype names the on-disk voxel type of the persisted mask.
	MaskDtype string `json:"mask_dtype"`

	// Radiomics is the optional flat feature map from the radiomics
	// collaborator; omitted when extraction is unavailable or fails.
	Radiomics map[string]float64 `json:"radiomics,omitempty"`
}
