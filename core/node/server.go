package node

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pyropy/stripefs/core/protocol"
	"github.com/pyropy/stripefs/core/stripe"
	"github.com/pyropy/stripefs/lib/logger"
)

var (
	ErrPathTooLong   = errors.New("path payload exceeds chunk size")
	ErrPathEscapes   = errors.New("path escapes the node root")
	ErrChunkTooLarge = errors.New("write payload exceeds chunk size")
)

// Server persists chunks under a root directory and serves the node
// protocol over TCP. Every accepted connection gets its own handler
// goroutine owning the connection's write-file and cursor.
type Server struct {
	cfg *Config
	log *zap.SugaredLogger

	ln net.Listener

	mutex  sync.Mutex
	conns  map[uuid.UUID]net.Conn
	closed bool
}

func NewServer(cfg *Config) (*Server, error) {
	log, err := logger.New("node", cfg.LogFile)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Root, 0750); err != nil {
		return nil, err
	}

	return &Server{
		cfg:   cfg,
		log:   log,
		conns: make(map[uuid.UUID]net.Conn),
	}, nil
}

// Start binds the configured address and begins accepting
// connections in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.ln = ln
	s.log.Infow("startup", "status", "node listening", "address", ln.Addr().String(), "root", s.cfg.Root)

	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the listener and tears down every open connection.
func (s *Server) Close() {
	s.mutex.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mutex.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mutex.Lock()
			closed := s.closed
			s.mutex.Unlock()
			if !closed {
				s.log.Errorw("accept", "error", err)
			}
			return
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		id := uuid.New()
		s.mutex.Lock()
		s.conns[id] = conn
		s.mutex.Unlock()

		s.log.Infow("accept", "conn", id, "remote", conn.RemoteAddr().String())
		go s.handleConn(id, conn)
	}
}

// connState is the per-connection file state. It is owned by the
// handler goroutine, so the (seek, write, advance) triple of a WRITE
// is naturally one critical section.
type connState struct {
	id     uuid.UUID
	conn   net.Conn
	file   *os.File
	cursor int64
	buf    []byte
}

func (s *Server) handleConn(id uuid.UUID, conn net.Conn) {
	st := &connState{
		id:   id,
		conn: conn,
		buf:  make([]byte, stripe.ChunkSize),
	}

	defer func() {
		if st.file != nil {
			st.file.Close()
		}
		conn.Close()

		s.mutex.Lock()
		delete(s.conns, id)
		s.mutex.Unlock()

		s.log.Infow("disconnect", "conn", id)
	}()

	for {
		header, err := protocol.ReadHeader(conn)
		if err != nil {
			if !errors.Is(err, protocol.ErrShortFrame) {
				s.log.Warnw("read header", "conn", id, "error", err)
			}
			return
		}

		switch header.Type {
		case protocol.MsgRead:
			err = s.handleRead(st, header)
		case protocol.MsgWritePath:
			err = s.handleWritePath(st, header)
		case protocol.MsgWrite:
			err = s.handleWrite(st, header)
		case protocol.MsgHeartbeat:
			s.log.Infow("heartbeat", "conn", id, "id", header.Length)
			err = protocol.WriteHeader(conn, header)
		default:
			// Unknown types leave an unreadable body on the wire, so
			// the connection cannot be trusted past this point.
			s.log.Warnw("unknown message type", "conn", id, "type", uint32(header.Type))
			return
		}

		if err != nil {
			s.log.Errorw("handle message", "conn", id, "type", header.Type.String(), "error", err)
			return
		}
	}
}

// resolve joins a client-supplied relative path onto the node root,
// refusing anything that would climb out of it.
func (s *Server) resolve(path string) (string, error) {
	clean := filepath.Join(s.cfg.Root, filepath.Clean("/"+path))
	if clean != s.cfg.Root && !strings.HasPrefix(clean, s.cfg.Root+string(os.PathSeparator)) {
		return "", ErrPathEscapes
	}

	return clean, nil
}

func (s *Server) readPath(st *connState, header protocol.Header) (string, error) {
	if header.Length > stripe.ChunkSize {
		return "", ErrPathTooLong
	}

	if err := protocol.ReadPayload(st.conn, st.buf, header.Length); err != nil {
		return "", err
	}

	return string(st.buf[:header.Length]), nil
}

// handleRead replies with a header carrying the node-side file length
// and then streams the whole file in chunk-sized blocks. A file that
// cannot be opened gets a zero-length header and no body.
func (s *Server) handleRead(st *connState, header protocol.Header) error {
	path, err := s.readPath(st, header)
	if err != nil {
		return err
	}

	full, err := s.resolve(path)
	if err != nil {
		return err
	}

	f, err := os.Open(full)
	if err != nil {
		s.log.Infow("read", "conn", st.id, "path", path, "status", "not found")
		return protocol.WriteHeader(st.conn, protocol.Header{Type: protocol.MsgRead, Length: 0})
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return protocol.WriteHeader(st.conn, protocol.Header{Type: protocol.MsgRead, Length: 0})
	}

	size := info.Size()
	if err := protocol.WriteHeader(st.conn, protocol.Header{Type: protocol.MsgRead, Length: uint64(size)}); err != nil {
		return err
	}

	n, err := io.CopyBuffer(st.conn, f, st.buf)
	if err != nil {
		return err
	}

	s.log.Infow("read", "conn", st.id, "path", path, "bytes", n)
	return nil
}

// handleWritePath opens (creating or truncating) the target file and
// resets the cursor. A repeat on the same connection rotates to a new
// file.
func (s *Server) handleWritePath(st *connState, header protocol.Header) error {
	path, err := s.readPath(st, header)
	if err != nil {
		return err
	}

	full, err := s.resolve(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return err
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	if st.file != nil {
		st.file.Close()
	}
	st.file = f
	st.cursor = 0

	s.log.Infow("write path", "conn", st.id, "path", path)
	return nil
}

// handleWrite receives the payload outside any file state mutation,
// then writes it at the connection cursor and advances the cursor.
func (s *Server) handleWrite(st *connState, header protocol.Header) error {
	if header.Length > stripe.ChunkSize {
		return ErrChunkTooLarge
	}

	if err := protocol.ReadPayload(st.conn, st.buf, header.Length); err != nil {
		return err
	}

	if st.file == nil {
		s.log.Warnw("write without path", "conn", st.id)
		return nil
	}

	n, err := st.file.WriteAt(st.buf[:header.Length], st.cursor)
	if err != nil {
		return err
	}
	st.cursor += int64(n)

	return nil
}
