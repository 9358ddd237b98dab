package client

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pyropy/stripefs/core/protocol"
	concurrentMap "github.com/pyropy/stripefs/lib/concurrent_map"
	"github.com/pyropy/stripefs/lib/logger"
)

// HealthMonitorService probes node liveness with HEARTBEAT round
// trips over its own short-lived connections. The read/write engine
// never consults it; it exists so an operator can watch lanes from
// the outside.
type HealthMonitorService struct {
	log      *zap.SugaredLogger
	addrs    []string
	interval time.Duration
	seq      uint64

	LastSeen concurrentMap.Map[string, time.Time]
}

func NewHealthMonitorService(addrs []string, interval time.Duration) (*HealthMonitorService, error) {
	log, err := logger.New("health-monitor")
	if err != nil {
		return nil, err
	}

	return &HealthMonitorService{
		log:      log,
		addrs:    addrs,
		interval: interval,
		LastSeen: concurrentMap.NewMap[string, time.Time](),
	}, nil
}

// Start creates a ticker and probes every node on each tick until the
// context is cancelled.
func (h *HealthMonitorService) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, addr := range h.addrs {
				go h.report(addr)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *HealthMonitorService) report(addr string) {
	rtt, err := h.Probe(addr)
	if err != nil {
		h.log.Warnw("probe", "addr", addr, "error", err)
		return
	}

	h.LastSeen.Set(addr, time.Now())
	h.log.Infow("probe", "addr", addr, "rtt", rtt)
}

// Probe performs one heartbeat round trip and returns its latency.
func (h *HealthMonitorService) Probe(addr string) (time.Duration, error) {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	id := atomic.AddUint64(&h.seq, 1)
	start := time.Now()

	if err := protocol.WriteHeader(conn, protocol.Header{Type: protocol.MsgHeartbeat, Length: id}); err != nil {
		return 0, err
	}

	echo, err := protocol.ReadHeader(conn)
	if err != nil {
		return 0, err
	}
	if echo.Type != protocol.MsgHeartbeat || echo.Length != id {
		return 0, fmt.Errorf("heartbeat echo mismatch: got %s/%d, want %d", echo.Type, echo.Length, id)
	}

	return time.Since(start), nil
}
