package stripe

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestGeometryThreeLanes(t *testing.T) {
	g := NewGeometry(3)

	if g.DataLanes() != 2 {
		t.Errorf("expected 2 data lanes, got %d", g.DataLanes())
	}
	if g.ParityLane() != 2 {
		t.Errorf("expected parity lane 2, got %d", g.ParityLane())
	}
	if !g.HasParity() {
		t.Error("expected parity with 3 lanes")
	}
	if g.StrideSize() != 2*ChunkSize {
		t.Errorf("expected stride size %d, got %d", 2*ChunkSize, g.StrideSize())
	}
}

func TestGeometrySingleLane(t *testing.T) {
	g := NewGeometry(1)

	if g.DataLanes() != 1 {
		t.Errorf("expected 1 data lane, got %d", g.DataLanes())
	}
	if g.HasParity() {
		t.Error("expected no parity with a single lane")
	}
	if g.StrideSize() != ChunkSize {
		t.Errorf("expected stride size %d, got %d", ChunkSize, g.StrideSize())
	}
}

func TestStrideCount(t *testing.T) {
	g := NewGeometry(3)

	cases := []struct {
		length int64
		want   int64
	}{
		{0, 0},
		{1, 1},
		{g.StrideSize(), 1},
		{g.StrideSize() + 1, 2},
		{4 * ChunkSize, 2},
		{40 * ChunkSize, 20},
	}

	for _, c := range cases {
		if got := g.StrideCount(c.length); got != c.want {
			t.Errorf("StrideCount(%d) = %d, want %d", c.length, got, c.want)
		}
	}
}

func TestNodeLength(t *testing.T) {
	g := NewGeometry(3)

	// node files are padded to whole chunks per stride
	if got := g.NodeLength(1); got != ChunkSize {
		t.Errorf("NodeLength(1) = %d, want %d", got, ChunkSize)
	}
	if got := g.NodeLength(4 * ChunkSize); got != 2*ChunkSize {
		t.Errorf("NodeLength(4 MiB) = %d, want %d", got, 2*ChunkSize)
	}
}

func TestChunkStart(t *testing.T) {
	g := NewGeometry(3)

	if got := g.ChunkStart(0, 1); got != ChunkSize {
		t.Errorf("ChunkStart(0, 1) = %d, want %d", got, ChunkSize)
	}
	if got := g.ChunkStart(2, 0); got != 2*g.StrideSize() {
		t.Errorf("ChunkStart(2, 0) = %d, want %d", got, 2*g.StrideSize())
	}
	if got := g.StrideOf(g.StrideSize() - 1); got != 0 {
		t.Errorf("StrideOf(S-1) = %d, want 0", got)
	}
	if got := g.StrideOf(g.StrideSize()); got != 1 {
		t.Errorf("StrideOf(S) = %d, want 1", got)
	}
	if got := g.NodeOffset(3); got != 3*ChunkSize {
		t.Errorf("NodeOffset(3) = %d, want %d", got, 3*ChunkSize)
	}
}

func TestParityAlgebra(t *testing.T) {
	g := NewGeometry(3)
	r := rand.New(rand.NewSource(1))

	strideBuf := make([]byte, g.StrideSize())
	r.Read(strideBuf)

	parity := make([]byte, ChunkSize)
	Parity(parity, strideBuf, g.DataLanes())

	for i := 0; i < ChunkSize; i++ {
		want := strideBuf[i] ^ strideBuf[ChunkSize+i]
		if parity[i] != want {
			t.Fatalf("parity[%d] = %#x, want %#x", i, parity[i], want)
		}
	}
}

func TestReconstructMissingChunk(t *testing.T) {
	g := NewGeometry(4)
	r := rand.New(rand.NewSource(2))

	strideBuf := make([]byte, g.StrideSize())
	r.Read(strideBuf)

	parity := make([]byte, ChunkSize)
	Parity(parity, strideBuf, g.DataLanes())

	for missing := 0; missing < g.DataLanes(); missing++ {
		live := make([][]byte, 0, g.DataLanes()-1)
		for d := 0; d < g.DataLanes(); d++ {
			if d == missing {
				continue
			}
			live = append(live, strideBuf[int64(d)*ChunkSize:int64(d+1)*ChunkSize])
		}

		rebuilt := make([]byte, ChunkSize)
		Reconstruct(rebuilt, parity, live...)

		want := strideBuf[int64(missing)*ChunkSize : int64(missing+1)*ChunkSize]
		if !bytes.Equal(rebuilt, want) {
			t.Errorf("reconstructed chunk %d does not match original", missing)
		}
	}
}

func TestXORIntoSelfInverse(t *testing.T) {
	r := rand.New(rand.NewSource(3))

	a := make([]byte, 1024)
	b := make([]byte, 1024)
	r.Read(a)
	r.Read(b)

	orig := append([]byte(nil), a...)
	XORInto(a, b)
	XORInto(a, b)

	if !bytes.Equal(a, orig) {
		t.Error("xor twice with the same operand must be the identity")
	}
}
