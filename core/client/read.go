package client

import (
	"sync"

	"github.com/pyropy/stripefs/core/protocol"
	"github.com/pyropy/stripefs/core/stripe"
)

// OpenRead starts a read session for path. READ is sent to the data
// lanes in parallel; the parity lane is asked to stream only when a
// data lane cannot serve (socket dead, or the node does not have the
// file). More than one unusable data lane is unrecoverable.
func (s *Session) OpenRead(path string) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	// a stale session would leave its stream on the sockets
	if err := s.closeReadLocked(); err != nil {
		s.log.Warnw("drain previous read session", "error", err)
	}

	strideSize := s.geo.StrideSize()
	for _, l := range s.lanes {
		l.resetRead(strideSize)
	}

	n := s.geo.Lanes
	if n == 1 {
		l := s.lanes[0]
		if !l.alive() {
			return ErrTooManyFailures
		}
		if err := s.openLane(l, path); err != nil {
			l.markDead()
			return ErrTooManyFailures
		}
		if s.laneHeaderLength(l) == 0 {
			return ErrFileNotFound
		}

		s.parityOn = false
		s.missingData = -1
		s.readLen = s.laneHeaderLength(l)
		s.readPath = path
		s.reconStride = -1
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < n-1; i++ {
		l := s.lanes[i]
		if !l.alive() {
			continue
		}

		wg.Add(1)
		go func(l *Lane) {
			defer wg.Done()

			if err := s.openLane(l, path); err != nil {
				s.log.Errorw("open lane", "lane", l.index, "error", err)
				l.markDead()
			}
		}(l)
	}
	wg.Wait()

	// a data lane is unusable if its socket died or its node does not
	// hold the file
	missing := -1
	failed := 0
	zeroes := 0
	for i := 0; i < n-1; i++ {
		l := s.lanes[i]
		if !l.alive() || s.laneHeaderLength(l) == 0 {
			failed++
			missing = i
			l.mu.Lock()
			l.header.Length = 0
			l.offset = 0
			l.mu.Unlock()
		}
		if l.alive() && s.laneHeaderLength(l) == 0 {
			zeroes++
		}
	}

	parity := s.lanes[s.geo.ParityLane()]
	switch {
	case failed == 0:
		// parity is not requested at all; its stream stays silent
		parity.mu.Lock()
		parity.header.Length = 0
		parity.mu.Unlock()
		s.parityOn = false
		s.missingData = -1
	case failed == 1:
		if !parity.alive() {
			return ErrTooManyFailures
		}
		if err := s.openLane(parity, path); err != nil {
			parity.markDead()
			return ErrTooManyFailures
		}
		if s.laneHeaderLength(parity) == 0 {
			if zeroes == n-1 {
				// every node that answered says the file is not there
				return ErrFileNotFound
			}
			// the missing lane cannot be rebuilt without parity
			return ErrTooManyFailures
		}
		s.parityOn = true
		s.missingData = missing
	default:
		if zeroes == n-1 {
			return ErrFileNotFound
		}
		return ErrTooManyFailures
	}

	s.readLen = s.laneHeaderLength(s.lanes[0])
	if s.readLen == 0 {
		s.readLen = s.laneHeaderLength(parity)
	}
	s.readPath = path
	s.reconStride = -1

	s.log.Infow("open read", "path", path, "nodeLength", s.readLen, "parity", s.parityOn, "missingLane", s.missingData)
	return nil
}

// openLane performs the READ round trip on one lane: request with the
// path payload, then the response header whose length is the
// node-side file size. The file body follows on the stream and is
// consumed by the lane worker.
func (s *Session) openLane(l *Lane, path string) error {
	conn := l.connSnapshot()
	if conn == nil {
		return ErrLaneDead
	}

	if err := protocol.WriteFrame(conn, protocol.MsgRead, []byte(path)); err != nil {
		return err
	}

	header, err := protocol.ReadHeader(conn)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.header = header
	l.mu.Unlock()

	return nil
}

func (s *Session) laneHeaderLength(l *Lane) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return int64(l.header.Length)
}

// NodeLength reports the node-side (padded) length of the file of the
// open read session.
func (s *Session) NodeLength() int64 {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	return s.readLen
}

// Read copies the byte window [off, off+len(buf)) of the open file
// into buf. Every chunk overlapping the window is materialized in its
// lane's ring slot first; when a data lane is missing, its chunks are
// rebuilt in place from parity and the surviving data chunks.
func (s *Session) Read(buf []byte, off int64) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.readPath == "" {
		return 0, ErrNoReadSession
	}
	if len(buf) == 0 {
		return 0, nil
	}

	strideSize := s.geo.StrideSize()
	dataLanes := s.geo.DataLanes()
	end := off + int64(len(buf))
	kStart := off / strideSize
	kEnd := (end - 1) / strideSize

	for k := kStart; k <= kEnd; k++ {
		strideStart := k * strideSize

		if s.parityOn {
			if err := s.materializeStride(k); err != nil {
				return 0, err
			}
		} else {
			for d := 0; d < dataLanes; d++ {
				chunkStart := s.geo.ChunkStart(k, d)
				if chunkStart+stripe.ChunkSize <= off || chunkStart >= end {
					continue
				}
				if err := s.ensureChunk(s.laneForData(d), k, false); err != nil {
					return 0, err
				}
			}
		}

		copyStart := max64(off, strideStart)
		copyEnd := min64(end, strideStart+strideSize)

		for pos := copyStart; pos < copyEnd; {
			d := int((pos - strideStart) / stripe.ChunkSize)
			offInChunk := int((pos - strideStart) % stripe.ChunkSize)
			n := stripe.ChunkSize - offInChunk
			if int64(n) > copyEnd-pos {
				n = int(copyEnd - pos)
			}

			var view []byte
			var err error
			switch {
			case s.parityOn && d == s.missingData:
				view, err = s.missingChunkView(k)
			case s.parityOn:
				view, err = s.chunkView(s.laneForData(d), k, stripe.ChunkSize)
			default:
				view, err = s.chunkView(s.laneForData(d), k, offInChunk+n)
			}
			if err != nil {
				return 0, err
			}

			copy(buf[pos-off:], view[offInChunk:offInChunk+n])
			pos += int64(n)
		}
	}

	return len(buf), nil
}

// materializeStride brings every chunk of stride k in: parity first
// so its stream leads, then the surviving data lanes gated on it.
// Once all slots are full the missing lane's chunk is rebuilt into
// its own (otherwise idle) ring slot.
func (s *Session) materializeStride(k int64) error {
	parity := s.lanes[s.geo.ParityLane()]
	if err := s.ensureChunk(parity, k, false); err != nil {
		return err
	}

	for d := 0; d < s.geo.DataLanes(); d++ {
		if d == s.missingData {
			continue
		}
		if err := s.ensureChunk(s.lanes[d], k, true); err != nil {
			return err
		}
	}

	parityView, err := s.chunkView(parity, k, stripe.ChunkSize)
	if err != nil {
		return err
	}

	live := make([][]byte, 0, s.geo.DataLanes())
	for d := 0; d < s.geo.DataLanes(); d++ {
		if d == s.missingData {
			continue
		}
		v, err := s.chunkView(s.lanes[d], k, stripe.ChunkSize)
		if err != nil {
			return err
		}
		live = append(live, v)
	}

	if s.missingData >= 0 && s.reconStride != k {
		dst := s.slot(s.missingData)
		stripe.Reconstruct(dst, parityView, live...)
		s.reconStride = k
		s.cache.Put(chunkKey(s.readPath, s.missingData, k), append([]byte(nil), dst...))
	}

	return nil
}

// ensureChunk schedules lane l's worker so the chunk of stride k
// lands in the lane's ring slot. If the stream has already moved past
// k the chunk is expected in the cache instead. Waits for the slot to
// be free before claiming it.
func (s *Session) ensureChunk(l *Lane, k int64, gate bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if l.conn == nil {
			return ErrLaneDead
		}
		if l.curStride == k || l.streamStride > k {
			return nil
		}
		if l.active {
			l.stateCond.Wait()
			continue
		}

		l.curStride = k
		l.offset = k * s.geo.StrideSize()
		l.written = 0
		l.active = true
		l.stateCond.Broadcast()

		cmd := laneCmd{stride: k, slot: s.slot(l.index), gate: gate, path: s.readPath}
		l.mu.Unlock()
		l.cmds <- cmd
		l.mu.Lock()
		return nil
	}
}

// chunkView waits until at least required bytes of stride k's chunk
// on lane l are available and returns the bytes: the live ring slot
// when the chunk is current, the cached copy when the stream has
// moved on.
func (s *Session) chunkView(l *Lane, k int64, required int) ([]byte, error) {
	l.mu.Lock()
	if l.curStride == k {
		for l.conn != nil && l.written < required && l.curStride == k {
			l.bufCond.Wait()
		}
		if l.curStride == k && l.written >= required {
			l.mu.Unlock()
			return s.slot(l.index), nil
		}
		if l.conn == nil {
			l.mu.Unlock()
			return nil, ErrLaneDead
		}
	}
	l.mu.Unlock()

	if b, ok := s.cache.Get(chunkKey(s.readPath, l.index, k)); ok {
		return b, nil
	}

	return nil, ErrChunkUnavailable
}

// missingChunkView returns the rebuilt chunk of the missing lane for
// stride k.
func (s *Session) missingChunkView(k int64) ([]byte, error) {
	if s.reconStride == k {
		return s.slot(s.missingData), nil
	}

	if b, ok := s.cache.Get(chunkKey(s.readPath, s.missingData, k)); ok {
		return b, nil
	}

	return nil, ErrChunkUnavailable
}

// CloseRead ends the read session, draining what remains of every
// participating lane's announced stream so the sockets are clean for
// the next open.
func (s *Session) CloseRead() error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	return s.closeReadLocked()
}

func (s *Session) closeReadLocked() error {
	if s.readPath == "" {
		return nil
	}

	var dones []chan struct{}
	for _, l := range s.lanes {
		total := s.laneHeaderLength(l)
		if total == 0 {
			continue
		}

		l.mu.Lock()
		for l.active && l.conn != nil {
			l.stateCond.Wait()
		}
		if l.conn == nil {
			l.mu.Unlock()
			continue
		}
		l.mu.Unlock()

		done := make(chan struct{})
		l.cmds <- laneCmd{total: total, done: done}
		dones = append(dones, done)
	}

	for _, d := range dones {
		<-d
	}

	s.readPath = ""
	s.readLen = 0
	s.parityOn = false
	s.missingData = -1
	s.reconStride = -1

	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
