package libp2p

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"blockswap/network/mtr"
	"blockswap/network/peer_registry"
)

const (
	ProtocolHeartbeat = protocol.ID("/blockswap/heartbeat/1.0.0")
	HeartbeatTimeout  = 10 * time.Second
	heartbeatAttempts = 3
)

// HeartbeatService probes connected peers and closes connections to peers
// that stop answering. Closing the connection drives the normal disconnect
// path, so the exchange engine fails over pending requests.
type HeartbeatService struct {
	host     host.Host
	ctx      context.Context
	interval time.Duration
	registry *peer_registry.Registry
	log      *zap.SugaredLogger
	wg       sync.WaitGroup

	monitoredMu sync.Mutex
	monitored   map[peer.ID]context.CancelFunc
}

// NewHeartbeatService registers the heartbeat handler on h. reg may be nil.
func NewHeartbeatService(ctx context.Context, h host.Host, interval time.Duration, reg *peer_registry.Registry, log *zap.SugaredLogger) *HeartbeatService {
	hs := &HeartbeatService{
		host:      h,
		ctx:       ctx,
		interval:  interval,
		registry:  reg,
		log:       log.Named("heartbeat"),
		monitored: make(map[peer.ID]context.CancelFunc),
	}
	h.SetStreamHandler(ProtocolHeartbeat, hs.handleHeartbeatStream)
	return hs
}

// handleHeartbeatStream closes the stream immediately to signal liveness.
func (hs *HeartbeatService) handleHeartbeatStream(s network.Stream) {
	_ = s.Close()
}

// MonitorConnection starts probing p unless it is already monitored.
func (hs *HeartbeatService) MonitorConnection(p peer.ID) {
	hs.monitoredMu.Lock()
	defer hs.monitoredMu.Unlock()
	if _, exists := hs.monitored[p]; exists || hs.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(hs.ctx)
	hs.monitored[p] = cancel
	hs.wg.Add(1)
	go hs.monitor(ctx, p)
}

func (hs *HeartbeatService) StopMonitoring(p peer.ID) {
	hs.monitoredMu.Lock()
	if cancel, exists := hs.monitored[p]; exists {
		cancel()
		delete(hs.monitored, p)
	}
	hs.monitoredMu.Unlock()
}

// Monitored reports whether p is being probed.
func (hs *HeartbeatService) Monitored(p peer.ID) bool {
	hs.monitoredMu.Lock()
	defer hs.monitoredMu.Unlock()
	_, ok := hs.monitored[p]
	return ok
}

// Close stops every monitor and unregisters the handler.
func (hs *HeartbeatService) Close() {
	hs.host.RemoveStreamHandler(ProtocolHeartbeat)
	hs.monitoredMu.Lock()
	for p, cancel := range hs.monitored {
		cancel()
		delete(hs.monitored, p)
	}
	hs.monitoredMu.Unlock()
	hs.wg.Wait()
}

func (hs *HeartbeatService) monitor(ctx context.Context, p peer.ID) {
	defer hs.wg.Done()
	defer hs.StopMonitoring(p)

	ticker := time.NewTicker(hs.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := hs.sendHeartbeat(ctx, p)
			if ctx.Err() != nil {
				return
			}
			if hs.registry != nil {
				hs.registry.RecordHeartbeat(p, err == nil)
			}
			if err == nil {
				mtr.HeartbeatsTotal.WithLabelValues("ok").Inc()
				continue
			}
			mtr.HeartbeatsTotal.WithLabelValues("failed").Inc()
			hs.log.Infow("peer stopped answering heartbeats, closing connection", "peer", p, "error", err)
			_ = hs.host.Network().ClosePeer(p)
			return
		}
	}
}

// sendHeartbeat opens a probe stream and waits for the remote to close it.
func (hs *HeartbeatService) sendHeartbeat(ctx context.Context, p peer.ID) error {
	op := func() error {
		probeCtx, cancel := context.WithTimeout(ctx, HeartbeatTimeout)
		defer cancel()

		s, err := hs.host.NewStream(network.WithAllowLimitedConn(probeCtx, "heartbeat"), p, ProtocolHeartbeat)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			return errors.Wrap(err, "open heartbeat stream")
		}
		defer s.Close()

		_ = s.SetReadDeadline(time.Now().Add(HeartbeatTimeout))
		buf := make([]byte, 1)
		if _, err := s.Read(buf); !errors.Is(err, io.EOF) {
			_ = s.Reset()
			return errors.Newf("unexpected heartbeat response: %v", err)
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), heartbeatAttempts-1), ctx)
	return backoff.Retry(op, b)
}
