package client

import (
	"context"
	"sync"

	"github.com/pyropy/stripefs/core/model"
	"github.com/pyropy/stripefs/core/protocol"
	"github.com/pyropy/stripefs/core/stripe"
	"github.com/pyropy/stripefs/lib/checksum"
)

// Write stripes a whole file across the lanes: data chunks on lanes
// 0..N-2, their XOR parity on the last lane, stride by stride. Only
// whole-file writes starting at offset 0 are supported. A send
// failure marks the lane dead and the write carries on without it;
// the resulting file is no longer recoverable, which is accepted.
func (s *Session) Write(ctx context.Context, path string, data []byte) (int, error) {
	size := int64(len(data))
	strideSize := s.geo.StrideSize()
	dataLanes := s.geo.DataLanes()
	strides := s.geo.StrideCount(size)

	s.log.Infow("write", "path", path, "bytes", size, "strides", strides)

	// announce the path everywhere first so each node truncates and
	// rewinds its cursor
	for _, l := range s.lanes {
		conn := l.connSnapshot()
		if conn == nil {
			continue
		}
		if err := protocol.WriteFrame(conn, protocol.MsgWritePath, []byte(path)); err != nil {
			s.log.Errorw("write path", "lane", l.index, "error", err)
			l.markDead()
		}
	}

	strideBuf := make([]byte, strideSize)
	parity := make([]byte, stripe.ChunkSize)

	for k := int64(0); k < strides; k++ {
		for i := range strideBuf {
			strideBuf[i] = 0
		}
		start := k * strideSize
		end := start + strideSize
		if end > size {
			end = size
		}
		copy(strideBuf, data[start:end])

		if s.geo.HasParity() {
			stripe.Parity(parity, strideBuf, dataLanes)
		}

		// fan out all lane sends of this stride; the next stride
		// starts only once every sender is done, keeping each node
		// file stride-monotonic
		var wg sync.WaitGroup
		for _, l := range s.lanes {
			if !l.alive() {
				continue
			}

			chunk := parity
			if !s.geo.HasParity() || l.index < dataLanes {
				chunk = strideBuf[int64(l.index)*stripe.ChunkSize : int64(l.index+1)*stripe.ChunkSize]
			}

			wg.Add(1)
			go func(l *Lane, chunk []byte) {
				defer wg.Done()

				if err := s.sendChunk(l, chunk); err != nil {
					s.log.Errorw("send chunk", "lane", l.index, "stride", k, "error", err)
					l.markDead()
				}
			}(l, chunk)
		}

		wg.Wait()
	}

	md := model.NewFileMetadata(path, size, strides, checksum.Sum(data))
	if err := s.Meta.Put(ctx, path, md); err != nil {
		s.log.Errorw("store metadata", "path", path, "error", err)
	}

	return len(data), nil
}

func (s *Session) sendChunk(l *Lane, chunk []byte) error {
	conn := l.connSnapshot()
	if conn == nil {
		return ErrLaneDead
	}

	if err := protocol.WriteHeader(conn, protocol.Header{Type: protocol.MsgWrite, Length: stripe.ChunkSize}); err != nil {
		return err
	}

	_, err := conn.Write(chunk)
	return err
}
