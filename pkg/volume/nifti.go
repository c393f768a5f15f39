package volume

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// DataType identifies the on-disk voxel representation of a NIfTI file.
// Values follow the NIfTI-1 datatype codes.
type DataType int16

const (
	DTUint8   DataType = 2
	DTInt16   DataType = 4
	DTInt32   DataType = 8
	DTFloat32 DataType = 16
	DTFloat64 DataType = 64
)

// bitpix returns the storage size in bits for the data type.
func (dt DataType) bitpix() int16 {
	switch dt {
	case DTUint8:
		return 8
	case DTInt16:
		return 16
	case DTInt32, DTFloat32:
		return 32
	case DTFloat64:
		return 64
	}
	return 0
}

// niftiHeader is the 348-byte NIfTI-1 header. Field order and sizes must
// match the standard exactly; binary.Size of this struct is 348.
type niftiHeader struct {
	SizeofHdr    int32
	DataTypeName [10]byte
	DBName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte
	Dim          [8]int16
	IntentP1     float32
	IntentP2     float32
	IntentP3     float32
	IntentCode   int16
	Datatype     int16
	Bitpix       int16
	SliceStart   int16
	Pixdim       [8]float32
	VoxOffset    float32
	SclSlope     float32
	SclInter     float32
	SliceEnd     int16
	SliceCode    byte
	XYZTUnits    byte
	CalMax       float32
	CalMin       float32
	SliceDur     float32
	Toffset      float32
	Glmax        int32
	Glmin        int32
	Descrip      [80]byte
	AuxFile      [24]byte
	QformCode    int16
	SformCode    int16
	QuaternB     float32
	QuaternC     float32
	QuaternD     float32
	QoffsetX     float32
	QoffsetY     float32
	QoffsetZ     float32
	SrowX        [4]float32
	SrowY        [4]float32
	SrowZ        [4]float32
	IntentName   [16]byte
	Magic        [4]byte
}

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352 // header + 4-byte extension flag
)

// ReadFile reads a NIfTI-1 volume from a .nii or .nii.gz file. Only the
// first three dimensions are used; 4D files are rejected. Both byte
// orders are handled.
func ReadFile(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	// Sniff the gzip magic rather than trusting the extension.
	head := make([]byte, 2)
	if _, err := io.ReadFull(f, head); err != nil {
		return nil, fmt.Errorf("failed to read volume file %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if head[0] == 0x1f && head[1] == 0x8b {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream in %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read NIfTI header from %s: %w", path, err)
	}

	var hdr niftiHeader
	order, err := decodeHeader(raw, &hdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if hdr.Dim[0] != 3 {
		return nil, fmt.Errorf("%s: unsupported dimensionality %d, want 3", path, hdr.Dim[0])
	}
	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("%s: invalid dimensions (%d, %d, %d)", path, nx, ny, nz)
	}

	// Skip from the end of the header to the start of voxel data.
	skip := int64(hdr.VoxOffset) - niftiHeaderSize
	if skip < 0 {
		return nil, fmt.Errorf("%s: invalid vox_offset %f", path, hdr.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("%s: failed to skip header extensions: %w", path, err)
	}

	data, err := readVoxels(r, order, DataType(hdr.Datatype), nx*ny*nz)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// Apply intensity scaling when present.
	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	v := &Volume{
		Data:      data,
		Shape:     [3]int{nz, ny, nx},
		Spacing:   [3]float64{float64(hdr.Pixdim[1]), float64(hdr.Pixdim[2]), float64(hdr.Pixdim[3])},
		Direction: Identity,
	}
	for i, s := range v.Spacing {
		if s <= 0 {
			v.Spacing[i] = 1
		}
	}

	if hdr.SformCode > 0 {
		v.Origin = [3]float64{float64(hdr.SrowX[3]), float64(hdr.SrowY[3]), float64(hdr.SrowZ[3])}
		rows := [3][4]float32{hdr.SrowX, hdr.SrowY, hdr.SrowZ}
		for rIdx := 0; rIdx < 3; rIdx++ {
			for c := 0; c < 3; c++ {
				v.Direction[rIdx*3+c] = float64(rows[rIdx][c]) / v.Spacing[c]
			}
		}
	} else {
		// Without an sform we take the qform offset and keep an identity
		// orientation; full quaternion decoding is not needed for
		// axis-aligned scanner output.
		v.Origin = [3]float64{float64(hdr.QoffsetX), float64(hdr.QoffsetY), float64(hdr.QoffsetZ)}
	}

	return v, nil
}

// decodeHeader parses the raw header bytes, detecting byte order via the
// sizeof_hdr field.
func decodeHeader(raw []byte, hdr *niftiHeader) (binary.ByteOrder, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw), order, hdr); err != nil {
		return nil, fmt.Errorf("failed to decode NIfTI header: %w", err)
	}
	if hdr.SizeofHdr != niftiHeaderSize {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, hdr); err != nil {
			return nil, fmt.Errorf("failed to decode NIfTI header: %w", err)
		}
		if hdr.SizeofHdr != niftiHeaderSize {
			return nil, fmt.Errorf("not a NIfTI-1 file (sizeof_hdr=%d)", hdr.SizeofHdr)
		}
	}
	magic := string(hdr.Magic[:3])
	if magic != "n+1" && magic != "ni1" {
		return nil, fmt.Errorf("not a NIfTI-1 file (magic %q)", magic)
	}
	return order, nil
}

// readVoxels reads n voxels of the given on-disk type and widens them to
// float64.
func readVoxels(r io.Reader, order binary.ByteOrder, dt DataType, n int) ([]float64, error) {
	out := make([]float64, n)
	switch dt {
	case DTUint8:
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, b := range buf {
			out[i] = float64(b)
		}
	case DTInt16:
		buf := make([]int16, n)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, b := range buf {
			out[i] = float64(b)
		}
	case DTInt32:
		buf := make([]int32, n)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, b := range buf {
			out[i] = float64(b)
		}
	case DTFloat32:
		buf := make([]float32, n)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, b := range buf {
			out[i] = float64(b)
		}
	case DTFloat64:
		if err := binary.Read(r, order, out); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", dt)
	}
	return out, nil
}

// WriteFile writes the volume as a NIfTI-1 file with the given on-disk
// data type. Files ending in .gz are gzip-compressed. The sform carries
// the direction matrix scaled by spacing, with the origin as offset.
func WriteFile(path string, v *Volume, dt DataType) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid volume: %w", err)
	}
	if dt.bitpix() == 0 {
		return fmt.Errorf("unsupported NIfTI datatype %d", dt)
	}

	hdr := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		Datatype:  int16(dt),
		Bitpix:    dt.bitpix(),
		VoxOffset: niftiVoxOffset,
		SclSlope:  1,
		XYZTUnits: 2, // millimetres
		SformCode: 1,
		QoffsetX:  float32(v.Origin[0]),
		QoffsetY:  float32(v.Origin[1]),
		QoffsetZ:  float32(v.Origin[2]),
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim = [8]int16{3, int16(v.Shape[2]), int16(v.Shape[1]), int16(v.Shape[0]), 1, 1, 1, 1}
	hdr.Pixdim = [8]float32{1,
		float32(v.Spacing[0]), float32(v.Spacing[1]), float32(v.Spacing[2]),
		1, 1, 1, 1}
	rows := [3]*[4]float32{&hdr.SrowX, &hdr.SrowY, &hdr.SrowZ}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rows[r][c] = float32(v.Direction[r*3+c] * v.Spacing[c])
		}
		rows[r][3] = float32(v.Origin[r])
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create volume file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to write NIfTI header: %w", err)
	}
	// Extension flag: four zero bytes, no extensions follow.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write extension flag: %w", err)
	}
	if err := writeVoxels(w, dt, v.Data); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}
	return f.Close()
}

// writeVoxels narrows float64 voxels to the on-disk representation.
func writeVoxels(w io.Writer, dt DataType, data []float64) error {
	switch dt {
	case DTUint8:
		buf := make([]byte, len(data))
		for i, val := range data {
			buf[i] = byte(clamp(val, 0, 255))
		}
		_, err := w.Write(buf)
		return err
	case DTInt16:
		buf := make([]int16, len(data))
		for i, val := range data {
			buf[i] = int16(clamp(val, math.MinInt16, math.MaxInt16))
		}
		return binary.Write(w, binary.LittleEndian, buf)
	case DTInt32:
		buf := make([]int32, len(data))
		for i, val := range data {
			buf[i] = int32(clamp(val, math.MinInt32, math.MaxInt32))
		}
		return binary.Write(w, binary.LittleEndian, buf)
	case DTFloat32:
		buf := make([]float32, len(data))
		for i, val := range data {
			buf[i] = float32(val)
		}
		return binary.Write(w, binary.LittleEndian, buf)
	case DTFloat64:
		return binary.Write(w, binary.LittleEndian, data)
	}
	return fmt.Errorf("unsupported NIfTI datatype %d", dt)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
