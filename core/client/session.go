package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pyropy/stripefs/core/protocol"
	"github.com/pyropy/stripefs/core/stripe"
	"github.com/pyropy/stripefs/lib/cache"
	"github.com/pyropy/stripefs/lib/logger"
	"github.com/pyropy/stripefs/lib/utils"
)

var (
	ErrNoServers        = errors.New("at least one server address is required")
	ErrDuplicateServer  = errors.New("duplicate server address")
	ErrLaneDead         = errors.New("lane is dead")
	ErrTooManyFailures  = errors.New("too many lane failures")
	ErrFileNotFound     = errors.New("file not found")
	ErrNoReadSession    = errors.New("no read session open")
	ErrChunkUnavailable = errors.New("chunk no longer available")
)

// MetadataDirName is where the session keeps its LevelDB store under
// the client root. Hidden from readdir.
const MetadataDirName = ".stripefs"

// chunkCacheCapacity bounds the chunk LRU: chunks the sequential node
// streams delivered ahead of (or behind) the current read window.
const chunkCacheCapacity = 32

// Session is the client side of the striping engine: one TCP
// connection per lane, a ring of one chunk slot per lane, and the
// metadata store under the client root. Lane index equals the
// position of the endpoint in the configured list; the last lane is
// the parity lane.
type Session struct {
	ID   uuid.UUID
	Meta *FileMetadataStore

	log   *zap.SugaredLogger
	geo   stripe.Geometry
	root  string
	lanes []*Lane
	ring  []byte
	cache *cache.LRU

	// read session state, guarded by readMu. One read session at a
	// time; reads are serialized.
	readMu      sync.Mutex
	readPath    string
	readLen     int64
	parityOn    bool
	missingData int
	reconStride int64
}

// NewSession dials every endpoint in order and fails if any of them
// is unreachable: write fault tolerance is out of scope, so a mount
// with a lane already down is refused.
func NewSession(root string, servers []string, logSinks ...string) (*Session, error) {
	log, err := logger.New("client", logSinks...)
	if err != nil {
		return nil, err
	}

	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	if utils.Duplicates(servers) {
		return nil, ErrDuplicateServer
	}

	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, err
	}

	meta, err := NewFileMetadataStore(filepath.Join(root, MetadataDirName))
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:          uuid.New(),
		Meta:        meta,
		log:         log,
		geo:         stripe.NewGeometry(len(servers)),
		root:        root,
		ring:        make([]byte, len(servers)*stripe.ChunkSize),
		cache:       cache.NewLRU(chunkCacheCapacity),
		missingData: -1,
		reconStride: -1,
	}

	for i, addr := range servers {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			for _, l := range s.lanes {
				close(l.cmds)
			}
			s.closeLanes()
			meta.Close()
			return nil, fmt.Errorf("connect lane %d (%s): %w", i, addr, err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		lane := newLane(i, addr, conn)
		s.lanes = append(s.lanes, lane)
		go s.laneWorker(lane)
	}

	log.Infow("session", "id", s.ID, "lanes", len(servers), "root", root)
	return s, nil
}

// Geometry exposes the stride geometry of this session.
func (s *Session) Geometry() stripe.Geometry {
	return s.geo
}

// Root returns the local client root directory.
func (s *Session) Root() string {
	return s.root
}

// slot returns lane l's scratch region of the ring.
func (s *Session) slot(l int) []byte {
	return s.ring[int64(l)*stripe.ChunkSize : int64(l+1)*stripe.ChunkSize]
}

// laneForData maps a data position within a stride to the lane
// serving it. With one lane everything lives on lane 0.
func (s *Session) laneForData(d int) *Lane {
	if s.geo.Lanes == 1 {
		return s.lanes[0]
	}

	return s.lanes[d]
}

// Close tears the session down: drains any open read stream, stops
// the lane workers and closes sockets and the metadata store.
func (s *Session) Close() error {
	s.readMu.Lock()
	s.closeReadLocked()
	s.readMu.Unlock()

	for _, l := range s.lanes {
		close(l.cmds)
	}
	s.closeLanes()

	return s.Meta.Close()
}

func (s *Session) closeLanes() {
	for _, l := range s.lanes {
		l.markDead()
	}
}

func chunkKey(path string, lane int, stride int64) string {
	return fmt.Sprintf("%s|%d|%d", path, lane, stride)
}

// Heartbeat round-trips a correlation id through the given lane and
// reports whether the echo matched. The read and write engines never
// call this; it exists for liveness probing.
func (s *Session) Heartbeat(lane int, id uint64) error {
	l := s.lanes[lane]

	conn := l.connSnapshot()
	if conn == nil {
		return ErrLaneDead
	}

	if err := protocol.WriteHeader(conn, protocol.Header{Type: protocol.MsgHeartbeat, Length: id}); err != nil {
		l.markDead()
		return err
	}

	echo, err := protocol.ReadHeader(conn)
	if err != nil {
		l.markDead()
		return err
	}
	if echo.Type != protocol.MsgHeartbeat || echo.Length != id {
		return fmt.Errorf("heartbeat echo mismatch: got %s/%d", echo.Type, echo.Length)
	}

	return nil
}
