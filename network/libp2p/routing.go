package libp2p

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/routing"
	"go.uber.org/zap"

	"blockswap/network/mtr"
)

const provideAttempts = 5

// Routing adapts a libp2p content router (normally the DHT) and the pubsub
// announcer to the exchange engine. Either may be nil. Provider addresses
// are added to the peerstore so the engine can dial by peer id.
type Routing struct {
	router    routing.ContentRouting
	announcer *Announcer
	host      host.Host
	log       *zap.SugaredLogger
}

func NewRouting(r routing.ContentRouting, a *Announcer, h host.Host, log *zap.SugaredLogger) *Routing {
	return &Routing{router: r, announcer: a, host: h, log: log.Named("routing")}
}

// FindProvidersAsync streams up to max provider ids for id, excluding self.
// The channel closes when the search ends or ctx is done.
func (r *Routing) FindProvidersAsync(ctx context.Context, id cid.Cid, max int) <-chan peer.ID {
	out := make(chan peer.ID)
	if r.router == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		for info := range r.router.FindProvidersAsync(ctx, id, max) {
			if info.ID == r.host.ID() || info.ID == "" {
				continue
			}
			if len(info.Addrs) > 0 {
				r.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
			}
			select {
			case out <- info.ID:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Provide gossips id to pubsub subscribers, then records it in the router
// with exponential backoff.
func (r *Routing) Provide(ctx context.Context, id cid.Cid) error {
	var announceErr error
	if r.announcer != nil {
		announceErr = r.announcer.Announce(ctx, id)
		if announceErr != nil {
			r.log.Debugw("announce failed", "cid", id, "error", announceErr)
		}
	}
	if r.router == nil {
		return announceErr
	}

	attempt := 0
	op := func() error {
		attempt++
		provideCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return r.router.Provide(provideCtx, id, true)
	}
	notify := func(err error, wait time.Duration) {
		mtr.NetworkRetriesTotal.Inc()
		r.log.Debugw("provide attempt failed", "cid", id, "attempt", attempt, "retry_in", wait, "error", err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), provideAttempts-1), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return errors.Wrapf(err, "failed to provide %s after %d attempts", id, attempt)
	}
	return nil
}
