package libp2p

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"blockswap/network/mtr"
	"blockswap/network/peer_registry"
)

const (
	TopicProviderAnnounce = "/blockswap/announce/1.0.0"

	announceBufferSize = 256
)

// Announcer gossips "I have this block" messages over pubsub and records
// the announcements of other peers in the registry, so providers are known
// before any presence probe or DHT lookup. Messages are signed by their
// author.
type Announcer struct {
	self     peer.ID
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	registry *peer_registry.Registry
	log      *zap.SugaredLogger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewAnnouncer(ctx context.Context, h host.Host, reg *peer_registry.Registry, log *zap.SugaredLogger) (*Announcer, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize pubsub")
	}
	topic, err := ps.Join(TopicProviderAnnounce)
	if err != nil {
		return nil, errors.Wrap(err, "failed to join announce topic")
	}
	sub, err := topic.Subscribe(pubsub.WithBufferSize(announceBufferSize))
	if err != nil {
		_ = topic.Close()
		return nil, errors.Wrap(err, "failed to subscribe to announce topic")
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		self:     h.ID(),
		topic:    topic,
		sub:      sub,
		registry: reg,
		log:      log.Named("announce"),
		cancel:   cancel,
	}
	a.wg.Add(1)
	go a.readLoop(ctx)
	return a, nil
}

// Announce publishes that this node holds id.
func (a *Announcer) Announce(ctx context.Context, id cid.Cid) error {
	if err := a.topic.Publish(ctx, id.Bytes()); err != nil {
		mtr.NetworkErrorsTotal.WithLabelValues("announce_publish").Inc()
		return errors.Wrapf(err, "failed to announce %s", id)
	}
	mtr.NetworkMessagesTotal.WithLabelValues("announce", "out").Inc()
	return nil
}

func (a *Announcer) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		msg, err := a.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return
			}
			a.log.Debugw("failed to read announcement", "error", err)
			mtr.NetworkErrorsTotal.WithLabelValues("announce_read").Inc()
			continue
		}
		from := msg.GetFrom()
		if from == a.self {
			continue
		}
		id, err := cid.Cast(msg.Data)
		if err != nil {
			a.log.Debugw("dropping malformed announcement", "from", from, "error", err)
			mtr.NetworkErrorsTotal.WithLabelValues("announce_decode").Inc()
			continue
		}
		mtr.NetworkMessagesTotal.WithLabelValues("announce", "in").Inc()
		if a.registry != nil {
			a.registry.RecordHave(from, id)
		}
	}
}

// Close leaves the topic and waits for the reader to stop.
func (a *Announcer) Close() {
	a.cancel()
	a.sub.Cancel()
	a.wg.Wait()
	if err := a.topic.Close(); err != nil {
		a.log.Debugw("error closing announce topic", "error", err)
	}
}
