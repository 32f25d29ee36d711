package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dispatchcore/internal/metrics"
	"dispatchcore/internal/store"
)

// Broadcaster fans an event out to live listeners (SSE, websockets) in
// addition to the durable outbox.
type Broadcaster interface {
	Broadcast(event string, payload []byte)
}

// Publisher writes events to the outbox and mirrors them to the live stream.
// Durable delivery is the worker's job; Emit never blocks on the network.
type Publisher struct {
	st    store.Store
	log   *logrus.Logger
	met   *metrics.Metrics
	bcast Broadcaster
}

func NewPublisher(st store.Store, log *logrus.Logger, met *metrics.Metrics, b Broadcaster) *Publisher {
	if log == nil {
		log = logrus.New()
	}
	return &Publisher{st: st, log: log, met: met, bcast: b}
}

func (p *Publisher) Emit(ctx context.Context, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	now := time.Now().UTC()
	n := store.Notification{
		ID:          uuid.NewString(),
		Event:       event,
		Payload:     b,
		NextAttempt: now,
		Status:      store.NotifyPending,
		CreatedAt:   now,
	}
	if err := p.st.EnqueueNotification(ctx, n); err != nil {
		return fmt.Errorf("enqueue %s: %w", event, err)
	}
	if p.bcast != nil {
		p.bcast.Broadcast(event, b)
	}
	p.log.WithFields(logrus.Fields{"event": event, "id": n.ID}).Debug("notification enqueued")
	return nil
}
