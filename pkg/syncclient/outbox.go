package syncclient

import (
	"sync"
	"time"

	"github.com/lessonlink/presenter-sync/pkg/protocol"
)

// DefaultQueueMaxAge is how long a queued message stays eligible for replay.
const DefaultQueueMaxAge = 30 * time.Second

type queued struct {
	msg protocol.Message
	at  time.Time
}

// outbox holds realtime messages that could not be delivered while reconnecting.
type outbox struct {
	mu     sync.Mutex
	items  []queued
	maxAge time.Duration
	now    func() time.Time
}

func newOutbox(maxAge time.Duration, now func() time.Time) *outbox {
	if maxAge <= 0 {
		maxAge = DefaultQueueMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &outbox{maxAge: maxAge, now: now}
}

func (o *outbox) push(msg protocol.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, queued{msg: msg, at: o.now()})
}

// drain empties the outbox and returns the messages younger than maxAge, oldest first.
func (o *outbox) drain() []protocol.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	out := make([]protocol.Message, 0, len(o.items))
	for _, q := range o.items {
		if now.Sub(q.at) < o.maxAge {
			out = append(out, q.msg)
		}
	}
	o.items = nil
	return out
}

func (o *outbox) clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = nil
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
