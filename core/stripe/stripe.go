package stripe

// ChunkSize is the unit of striping and transport: exactly 1 MiB.
const ChunkSize = 1 << 20

// Geometry maps file byte offsets onto lanes and strides for a fixed
// lane count. Lanes 0..Lanes-2 carry data, the last lane carries the
// XOR parity of the stride. With a single lane there is no parity and
// lane 0 carries everything.
type Geometry struct {
	Lanes int
}

func NewGeometry(lanes int) Geometry {
	return Geometry{Lanes: lanes}
}

// DataLanes returns the number of lanes holding data chunks.
func (g Geometry) DataLanes() int {
	if g.Lanes > 1 {
		return g.Lanes - 1
	}

	return 1
}

// ParityLane returns the index of the parity lane. Meaningful only
// when HasParity reports true.
func (g Geometry) ParityLane() int {
	return g.Lanes - 1
}

func (g Geometry) HasParity() bool {
	return g.Lanes > 1
}

// StrideSize is the number of file bytes covered by one stride.
func (g Geometry) StrideSize() int64 {
	return int64(g.DataLanes()) * ChunkSize
}

// StrideOf returns the stride index covering the given file offset.
func (g Geometry) StrideOf(offset int64) int64 {
	return offset / g.StrideSize()
}

// StrideCount returns the number of strides needed to hold length
// bytes. The trailing partial stride counts as a whole one.
func (g Geometry) StrideCount(length int64) int64 {
	s := g.StrideSize()
	return (length + s - 1) / s
}

// NodeLength returns the length of each node-side file after a full
// write of length bytes. Node files are padded to whole chunks, so
// this overstates the logical length.
func (g Geometry) NodeLength(length int64) int64 {
	return g.StrideCount(length) * ChunkSize
}

// ChunkStart returns the file-space byte offset where the chunk of
// the given data lane within the given stride begins.
func (g Geometry) ChunkStart(strideIdx int64, dataLane int) int64 {
	return strideIdx*g.StrideSize() + int64(dataLane)*ChunkSize
}

// NodeOffset returns the offset within a node-side file at which the
// chunk of the given stride lives. Identical for every lane.
func (g Geometry) NodeOffset(strideIdx int64) int64 {
	return strideIdx * ChunkSize
}

// XORInto xors src into dst byte by byte. Slices must have equal
// length.
func XORInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// Parity computes the XOR parity chunk of a stride buffer holding
// dataLanes consecutive chunks. dst must be ChunkSize long and is
// overwritten.
func Parity(dst, strideBuf []byte, dataLanes int) {
	copy(dst, strideBuf[:ChunkSize])
	for d := 1; d < dataLanes; d++ {
		XORInto(dst, strideBuf[int64(d)*ChunkSize:int64(d+1)*ChunkSize])
	}
}

// Reconstruct rebuilds a missing data chunk from the parity chunk and
// the remaining live data chunks of the same stride: dst = parity XOR
// live_0 XOR live_1 ... dst is overwritten and may not alias parity.
func Reconstruct(dst, parity []byte, live ...[]byte) {
	copy(dst, parity)
	for _, l := range live {
		XORInto(dst, l)
	}
}
