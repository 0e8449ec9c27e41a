package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
)

// Channel is the pub/sub channel carrying events for one session.
func Channel(sessionID string) string {
	return "mix:progress:" + sessionID
}

// Bus publishes phase transitions on a per-session redis channel.
// Delivery is at-most-once: an event published while nobody is
// subscribed is dropped.
type Bus struct {
	rdb *redis.Client
	log *logger.Logger
}

func NewBus(rdb *redis.Client, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewNop()
	}
	return &Bus{rdb: rdb, log: log.With("service", "ProgressBus")}
}

// Publish serializes ev once and sends it to the session channel.
func (b *Bus) Publish(ctx context.Context, sessionID string, ev *model.ProgressEvent) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("progress bus not initialized")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, Channel(sessionID), raw).Err()
}

// Subscribe starts forwarding raw payloads for sessionID to onMsg until ctx
// is cancelled or the subscription closes. Payloads are passed through
// unchanged.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, onMsg func(payload []byte)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("progress bus not initialized")
	}
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, Channel(sessionID))

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				onMsg([]byte(m.Payload))
			}
		}
	}()

	return nil
}
