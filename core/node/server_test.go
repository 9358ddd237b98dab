package node

import (
	"bytes"
	"errors"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/pyropy/stripefs/core/protocol"
	"github.com/pyropy/stripefs/core/stripe"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	root := t.TempDir()
	srv, err := NewServer(&Config{Host: "127.0.0.1", Port: 0, Root: root})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Close)

	return srv, root
}

func dialTestServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

func randomChunk(t *testing.T, seed int64) []byte {
	t.Helper()

	b := make([]byte, stripe.ChunkSize)
	rand.New(rand.NewSource(seed)).Read(b)

	return b
}

func TestHeartbeatEcho(t *testing.T) {
	srv, _ := startTestServer(t)
	conn := dialTestServer(t, srv)

	sent := protocol.Header{Type: protocol.MsgHeartbeat, Length: 42}
	if err := protocol.WriteHeader(conn, sent); err != nil {
		t.Fatal(err)
	}

	echo, err := protocol.ReadHeader(conn)
	if err != nil {
		t.Fatal(err)
	}
	if echo != sent {
		t.Errorf("echo = %+v, want %+v", echo, sent)
	}
}

func TestWriteThenReadBack(t *testing.T) {
	srv, root := startTestServer(t)
	conn := dialTestServer(t, srv)

	chunk0 := randomChunk(t, 1)
	chunk1 := randomChunk(t, 2)

	if err := protocol.WriteFrame(conn, protocol.MsgWritePath, []byte("/f.bin")); err != nil {
		t.Fatal(err)
	}
	for _, chunk := range [][]byte{chunk0, chunk1} {
		if err := protocol.WriteFrame(conn, protocol.MsgWrite, chunk); err != nil {
			t.Fatal(err)
		}
	}

	// READ on the same connection serializes behind the writes
	if err := protocol.WriteFrame(conn, protocol.MsgRead, []byte("/f.bin")); err != nil {
		t.Fatal(err)
	}
	h, err := protocol.ReadHeader(conn)
	if err != nil {
		t.Fatal(err)
	}
	if h.Length != 2*stripe.ChunkSize {
		t.Fatalf("announced length = %d, want %d", h.Length, 2*stripe.ChunkSize)
	}

	got := make([]byte, h.Length)
	if err := protocol.ReadPayload(conn, got, h.Length); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:stripe.ChunkSize], chunk0) || !bytes.Equal(got[stripe.ChunkSize:], chunk1) {
		t.Error("read back bytes differ from written chunks")
	}

	info, err := os.Stat(filepath.Join(root, "f.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 2*stripe.ChunkSize {
		t.Errorf("on-disk size = %d, want %d", info.Size(), 2*stripe.ChunkSize)
	}
}

func TestWritePathRotatesFile(t *testing.T) {
	srv, root := startTestServer(t)
	conn := dialTestServer(t, srv)

	first := randomChunk(t, 3)
	second := randomChunk(t, 4)

	for _, chunk := range [][]byte{first, second} {
		if err := protocol.WriteFrame(conn, protocol.MsgWritePath, []byte("/rot.bin")); err != nil {
			t.Fatal(err)
		}
		if err := protocol.WriteFrame(conn, protocol.MsgWrite, chunk); err != nil {
			t.Fatal(err)
		}
	}

	if err := protocol.WriteFrame(conn, protocol.MsgRead, []byte("/rot.bin")); err != nil {
		t.Fatal(err)
	}
	h, err := protocol.ReadHeader(conn)
	if err != nil {
		t.Fatal(err)
	}
	if h.Length != stripe.ChunkSize {
		t.Fatalf("announced length = %d, want %d after rotation", h.Length, stripe.ChunkSize)
	}

	got := make([]byte, h.Length)
	if err := protocol.ReadPayload(conn, got, h.Length); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, second) {
		t.Error("rotation must truncate: expected only the second chunk")
	}

	if _, err := os.Stat(filepath.Join(root, "rot.bin")); err != nil {
		t.Fatal(err)
	}
}

func TestShortWriteAdvancesCursor(t *testing.T) {
	srv, root := startTestServer(t)
	conn := dialTestServer(t, srv)

	if err := protocol.WriteFrame(conn, protocol.MsgWritePath, []byte("/s.bin")); err != nil {
		t.Fatal(err)
	}
	if err := protocol.WriteFrame(conn, protocol.MsgWrite, []byte("abcde")); err != nil {
		t.Fatal(err)
	}
	if err := protocol.WriteFrame(conn, protocol.MsgWrite, []byte("fgh")); err != nil {
		t.Fatal(err)
	}

	if err := protocol.WriteFrame(conn, protocol.MsgRead, []byte("/s.bin")); err != nil {
		t.Fatal(err)
	}
	h, err := protocol.ReadHeader(conn)
	if err != nil {
		t.Fatal(err)
	}

	got := make([]byte, h.Length)
	if err := protocol.ReadPayload(conn, got, h.Length); err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcdefgh" {
		t.Errorf("got %q, want %q", got, "abcdefgh")
	}

	info, err := os.Stat(filepath.Join(root, "s.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 8 {
		t.Errorf("on-disk size = %d, want 8", info.Size())
	}
}

func TestReadMissingFile(t *testing.T) {
	srv, _ := startTestServer(t)
	conn := dialTestServer(t, srv)

	if err := protocol.WriteFrame(conn, protocol.MsgRead, []byte("/missing.bin")); err != nil {
		t.Fatal(err)
	}

	h, err := protocol.ReadHeader(conn)
	if err != nil {
		t.Fatal(err)
	}
	if h.Length != 0 {
		t.Errorf("announced length = %d, want 0 for a missing file", h.Length)
	}
}

func TestUnknownTypeClosesConnection(t *testing.T) {
	srv, _ := startTestServer(t)
	conn := dialTestServer(t, srv)

	if err := protocol.WriteHeader(conn, protocol.Header{Type: 99, Length: 0}); err != nil {
		t.Fatal(err)
	}

	_, err := protocol.ReadHeader(conn)
	if !errors.Is(err, protocol.ErrShortFrame) {
		t.Errorf("err = %v, want connection closed", err)
	}
}

func TestOversizedWriteClosesConnection(t *testing.T) {
	srv, _ := startTestServer(t)
	conn := dialTestServer(t, srv)

	if err := protocol.WriteFrame(conn, protocol.MsgWritePath, []byte("/big.bin")); err != nil {
		t.Fatal(err)
	}
	if err := protocol.WriteHeader(conn, protocol.Header{Type: protocol.MsgWrite, Length: stripe.ChunkSize + 1}); err != nil {
		t.Fatal(err)
	}

	_, err := protocol.ReadHeader(conn)
	if !errors.Is(err, protocol.ErrShortFrame) {
		t.Errorf("err = %v, want connection closed", err)
	}
}

func TestPathTraversalStaysInRoot(t *testing.T) {
	srv, root := startTestServer(t)
	conn := dialTestServer(t, srv)

	if err := protocol.WriteFrame(conn, protocol.MsgWritePath, []byte("../../escape.bin")); err != nil {
		t.Fatal(err)
	}
	if err := protocol.WriteFrame(conn, protocol.MsgWrite, []byte("x")); err != nil {
		t.Fatal(err)
	}

	// round trip a heartbeat so the writes have been processed
	if err := protocol.WriteHeader(conn, protocol.Header{Type: protocol.MsgHeartbeat, Length: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := protocol.ReadHeader(conn); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(root, "escape.bin")); err != nil {
		t.Errorf("expected the file inside the root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "..", "..", "escape.bin")); err == nil {
		t.Error("file escaped the node root")
	}
}
