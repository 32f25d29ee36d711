package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"dispatchcore/internal/metrics"
	"dispatchcore/internal/store"
)

// Worker drains the outbox, POSTing each event to every matching
// subscription with an HMAC signature. Failures back off exponentially;
// MaxAttempts exhausted moves the record to dead.
type Worker struct {
	st  store.Store
	log *logrus.Logger
	met *metrics.Metrics

	Client       *http.Client
	PollInterval time.Duration
	Batch        int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func NewWorker(st store.Store, log *logrus.Logger, met *metrics.Metrics) *Worker {
	if log == nil {
		log = logrus.New()
	}
	return &Worker{
		st:           st,
		log:          log,
		met:          met,
		Client:       &http.Client{Timeout: 10 * time.Second},
		PollInterval: 2 * time.Second,
		Batch:        50,
		MaxAttempts:  8,
		BackoffBase:  2 * time.Second,
		BackoffCap:   10 * time.Minute,
	}
}

// Run polls until the context ends.
func (w *Worker) Run(ctx context.Context) {
	t := time.NewTicker(w.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.ProcessOnce(ctx, time.Now().UTC()); err != nil {
				w.log.WithError(err).Warn("outbox poll failed")
			}
		}
	}
}

// ProcessOnce delivers one batch of due notifications.
func (w *Worker) ProcessOnce(ctx context.Context, now time.Time) error {
	due, err := w.st.DueNotifications(ctx, now, w.Batch)
	if err != nil {
		return fmt.Errorf("list due: %w", err)
	}
	if w.met != nil {
		w.met.OutboxDepth.Set(float64(len(due)))
	}
	if len(due) == 0 {
		return nil
	}
	subs, err := w.st.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, n := range due {
		w.deliver(ctx, n, subs, now)
	}
	return nil
}

func (w *Worker) deliver(ctx context.Context, n store.Notification, subs []store.Subscription, now time.Time) {
	start := time.Now()
	var lastErr error
	delivered := 0
	for _, s := range subs {
		if !wants(s, n.Event) {
			continue
		}
		if err := w.post(ctx, s, n); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if w.met != nil {
		w.met.NotifyLatency.Observe(time.Since(start).Seconds())
	}

	if lastErr == nil {
		// no matching subscriber also counts as done
		w.mark(ctx, n.ID, store.NotifyDelivered, n.Attempts+1, now, "")
		if w.met != nil {
			w.met.NotifyDeliveries.WithLabelValues("delivered").Inc()
		}
		return
	}

	attempts := n.Attempts + 1
	if attempts >= w.MaxAttempts {
		w.mark(ctx, n.ID, store.NotifyDead, attempts, now, lastErr.Error())
		if w.met != nil {
			w.met.NotifyDeliveries.WithLabelValues("dead").Inc()
		}
		w.log.WithFields(logrus.Fields{"id": n.ID, "event": n.Event, "attempts": attempts}).
			WithError(lastErr).Error("notification moved to dead letter")
		return
	}
	backoff := w.BackoffBase << (attempts - 1)
	if backoff > w.BackoffCap {
		backoff = w.BackoffCap
	}
	w.mark(ctx, n.ID, store.NotifyPending, attempts, now.Add(backoff), lastErr.Error())
	if w.met != nil {
		w.met.NotifyDeliveries.WithLabelValues("retry").Inc()
	}
}

func (w *Worker) post(ctx context.Context, s store.Subscription, n store.Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(n.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dispatch-Event", n.Event)
	req.Header.Set("X-Dispatch-Delivery", n.ID)
	if s.Secret != "" {
		req.Header.Set("X-Dispatch-Signature", SignHMAC(s.Secret, n.Payload))
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("subscription %s answered %d", s.ID, resp.StatusCode)
	}
	return nil
}

func (w *Worker) mark(ctx context.Context, id, status string, attempts int, next time.Time, lastErr string) {
	if err := w.st.MarkNotification(ctx, id, status, attempts, next, lastErr); err != nil {
		w.log.WithError(err).WithField("id", id).Warn("outbox mark failed")
	}
}

func wants(s store.Subscription, event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}
