// Package scheduler runs the periodic reminder dispatch scan: due
// reminder occurrences are pushed onto a Redis list consumed by the
// WhatsApp bridge.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lofy-assistant/lofy/internal/model"
	"github.com/lofy-assistant/lofy/internal/recur"
	"github.com/lofy-assistant/lofy/internal/store"
)

// DispatchMessage is the JSON payload pushed per due occurrence. The
// bridge resolves the user's phone number on its side.
type DispatchMessage struct {
	ReminderID string    `json:"reminder_id"`
	UserID     string    `json:"user_id"`
	Message    string    `json:"message"`
	DueAt      time.Time `json:"due_at"`
}

// Queue is the outbound message sink. The production implementation is
// a Redis list.
type Queue interface {
	Push(ctx context.Context, payload []byte) error
}

// RedisQueue pushes payloads onto a Redis list consumed by the bridge.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

func (q *RedisQueue) Push(ctx context.Context, payload []byte) error {
	return q.rdb.RPush(ctx, q.key, payload).Err()
}

// Dispatcher scans for due reminders on a cron schedule. Each scan
// covers the half-open interval since the previous scan, so an
// occurrence is enqueued exactly once even when ticks jitter.
type Dispatcher struct {
	repo     store.Repo
	expander *recur.Expander
	queue    Queue
	log      *zap.Logger

	c *cron.Cron

	mu       sync.Mutex
	lastScan time.Time
}

func New(repo store.Repo, expander *recur.Expander, queue Queue, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		expander: expander,
		queue:    queue,
		log:      log,
	}
}

// Start registers the scan on the given cron spec and begins ticking.
func (d *Dispatcher) Start(spec string) error {
	d.mu.Lock()
	d.lastScan = time.Now()
	d.mu.Unlock()

	d.c = cron.New()
	if _, err := d.c.AddFunc(spec, d.scan); err != nil {
		return err
	}
	d.c.Start()
	d.log.Info("dispatch scheduler started", zap.String("cron", spec))
	return nil
}

// Stop halts the cron loop and waits for a running scan to finish.
func (d *Dispatcher) Stop() {
	if d.c != nil {
		<-d.c.Stop().Done()
	}
}

// scan performs one dispatch cycle. Failures are logged and the scan
// window is not advanced past them, so the next tick retries.
func (d *Dispatcher) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d.mu.Lock()
	since := d.lastScan
	d.mu.Unlock()
	now := time.Now()

	sent, err := d.dispatchWindow(ctx, since, now)
	if err != nil {
		d.log.Error("dispatch scan failed", zap.Error(err))
		return
	}

	d.mu.Lock()
	d.lastScan = now
	d.mu.Unlock()

	if sent > 0 {
		d.log.Info("dispatch scan completed",
			zap.Int("dispatched", sent),
			zap.Time("window_start", since),
			zap.Time("window_end", now),
		)
	}
}

// dispatchWindow expands reminders due in (since, until] and enqueues
// them. It returns the number of messages pushed.
func (d *Dispatcher) dispatchWindow(ctx context.Context, since, until time.Time) (int, error) {
	inWindow, err := d.repo.AllPendingRemindersInWindow(ctx, since, until)
	if err != nil {
		return 0, err
	}
	recurring, err := d.repo.AllRecurringRemindersAnchoredBefore(ctx, until)
	if err != nil {
		return 0, err
	}

	// The window is half-open on the left: the previous scan already
	// covered `since` itself.
	occ := d.expander.ExpandReminders(append(inWindow, recurring...),
		since.Add(time.Nanosecond), until, recur.FilterNone, until)

	sent := 0
	for _, o := range occ {
		// Cancelled reminders never fire. Recurring instances carry
		// the base record's stored status at this point; only an
		// explicit cancel suppresses them.
		if o.EffectiveStatus == model.ReminderCancelled {
			continue
		}

		payload, err := json.Marshal(DispatchMessage{
			ReminderID: o.ID,
			UserID:     o.UserID,
			Message:    o.Title,
			DueAt:      o.Start,
		})
		if err != nil {
			return sent, err
		}
		if err := d.queue.Push(ctx, payload); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
