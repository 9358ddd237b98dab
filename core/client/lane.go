package client

import (
	"io"
	"net"
	"sync"

	"github.com/pyropy/stripefs/core/protocol"
	"github.com/pyropy/stripefs/core/stripe"
)

// laneCmd asks a lane's receive worker to advance its sequential
// stream. With done set it is a drain order: consume and discard
// until total bytes of the announced file have been read, then close
// done. Otherwise the worker receives every chunk up to and including
// stride, stashing skipped ones in the chunk cache and filling the
// ring slot with the target.
type laneCmd struct {
	stride int64
	slot   []byte
	gate   bool
	path   string

	total int64
	done  chan struct{}
}

// Lane is one node position in the stripe. The embedded connection is
// set once at dial time and transitions at most once to nil, the dead
// sentinel. All remaining fields are the lane's read-pipeline state:
// the response header from open, the file-space offset of
// the stride being filled, receive progress into the ring slot, and
// the stream position of the underlying sequential node stream.
type Lane struct {
	index int
	addr  string

	mu        sync.Mutex
	bufCond   *sync.Cond // progress of written
	stateCond *sync.Cond // offset / active / conn transitions

	conn         net.Conn
	header       protocol.Header
	offset       int64
	written      int
	active       bool
	curStride    int64
	streamStride int64

	scratch []byte
	cmds    chan laneCmd
}

func newLane(index int, addr string, conn net.Conn) *Lane {
	l := &Lane{
		index:     index,
		addr:      addr,
		conn:      conn,
		curStride: -1,
		scratch:   make([]byte, stripe.ChunkSize),
		cmds:      make(chan laneCmd, 1),
	}
	l.bufCond = sync.NewCond(&l.mu)
	l.stateCond = sync.NewCond(&l.mu)

	return l
}

func (l *Lane) alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.conn != nil
}

func (l *Lane) connSnapshot() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.conn
}

// markDead closes the socket and stores the dead sentinel. Both
// condition variables are woken so blocked readers observe the
// transition. A dead lane is never resurrected within the session.
func (l *Lane) markDead() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.bufCond.Broadcast()
	l.stateCond.Broadcast()
}

// resetRead rewinds the lane's read-pipeline state for a fresh read
// session. The initial offset of -strideSize signals "ready to
// advance to stride 0".
func (l *Lane) resetRead(strideSize int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.header = protocol.Header{}
	l.offset = -strideSize
	l.written = 0
	l.active = false
	l.curStride = -1
	l.streamStride = 0
}

// read pulls from the socket without holding the lane mutex; Close
// from markDead is safe concurrently and surfaces as a read error.
func (l *Lane) read(buf []byte) (int, error) {
	conn := l.connSnapshot()
	if conn == nil {
		return 0, ErrLaneDead
	}

	return conn.Read(buf)
}

func (l *Lane) readFull(buf []byte) error {
	for n := 0; n < len(buf); {
		m, err := l.read(buf[n:])
		n += m
		if err != nil {
			if err == io.EOF {
				return protocol.ErrShortFrame
			}
			return err
		}
	}

	return nil
}

// laneWorker is the long-lived receive worker of one lane. It
// consumes the node's strictly sequential stream one command at a
// time, publishing progress through the lane's condition variables.
func (s *Session) laneWorker(l *Lane) {
	for cmd := range l.cmds {
		if cmd.done != nil {
			if err := s.drainLane(l, cmd.total); err != nil {
				l.markDead()
			}
			close(cmd.done)
			continue
		}

		err := s.receiveThrough(l, cmd)

		l.mu.Lock()
		l.active = false
		l.stateCond.Broadcast()
		l.mu.Unlock()

		if err != nil {
			s.log.Errorw("lane receive", "lane", l.index, "stride", cmd.stride, "error", err)
			l.markDead()
		}
	}
}

// receiveThrough advances the lane's stream up to cmd.stride. Chunks
// before the target are received whole and cached; the target chunk
// lands in the ring slot with byte-level progress published under the
// lane mutex. When gated, the parity lane must have advanced to the
// same stride before each chunk is consumed.
func (s *Session) receiveThrough(l *Lane, cmd laneCmd) error {
	l.mu.Lock()
	next := l.streamStride
	l.mu.Unlock()

	for st := next; st <= cmd.stride; st++ {
		if cmd.gate {
			if err := s.waitParityLead(st); err != nil {
				return err
			}
		}

		if st < cmd.stride {
			if err := l.readFull(l.scratch); err != nil {
				return err
			}
			s.cache.Put(chunkKey(cmd.path, l.index, st), append([]byte(nil), l.scratch...))
		} else {
			if err := s.receiveChunk(l, cmd.slot); err != nil {
				return err
			}
			s.cache.Put(chunkKey(cmd.path, l.index, st), append([]byte(nil), cmd.slot...))
		}

		l.mu.Lock()
		l.streamStride = st + 1
		l.mu.Unlock()
	}

	return nil
}

// receiveChunk drains exactly one chunk into the ring slot,
// incrementing written and signalling after every successful read.
func (s *Session) receiveChunk(l *Lane, slot []byte) error {
	for w := 0; w < stripe.ChunkSize; {
		n, err := l.read(slot[w:])
		if n > 0 {
			w += n

			l.mu.Lock()
			l.written = w
			l.bufCond.Broadcast()
			l.mu.Unlock()
		}
		if err != nil {
			if err == io.EOF {
				return protocol.ErrShortFrame
			}
			return err
		}
	}

	return nil
}

// drainLane discards the remainder of the lane's announced stream so
// the connection is clean for the next read session.
func (s *Session) drainLane(l *Lane, total int64) error {
	l.mu.Lock()
	consumed := l.streamStride * stripe.ChunkSize
	l.mu.Unlock()

	for consumed < total {
		n := int64(len(l.scratch))
		if total-consumed < n {
			n = total - consumed
		}
		if err := l.readFull(l.scratch[:n]); err != nil {
			return err
		}
		consumed += n
	}

	l.mu.Lock()
	l.streamStride = consumed / stripe.ChunkSize
	l.mu.Unlock()

	return nil
}

// waitParityLead blocks until the parity lane has been asked to
// receive stride k or beyond. Data lanes gate on this whenever parity
// is streaming: the node streams are sequential, so running a data
// lane ahead of parity buys nothing and breaks the XOR pairing.
func (s *Session) waitParityLead(k int64) error {
	p := s.lanes[s.geo.ParityLane()]
	target := k * s.geo.StrideSize()

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.conn != nil && p.offset < target {
		p.stateCond.Wait()
	}
	if p.conn == nil {
		return ErrLaneDead
	}

	return nil
}
