package broadcast

import (
	"context"
	"errors"
	"sync"
)

var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is a Subscriber backed by a bounded queue. A single writer drains
// Events in order, which keeps delivery FIFO per connection.
type Mailbox struct {
	id          string
	principalID string
	queue       chan Event
	done        chan struct{}
	closeOnce   sync.Once
}

func NewMailbox(id, principalID string, size int) *Mailbox {
	if size <= 0 {
		size = 64
	}
	return &Mailbox{
		id:          id,
		principalID: principalID,
		queue:       make(chan Event, size),
		done:        make(chan struct{}),
	}
}

func (m *Mailbox) ID() string {
	return m.id
}

func (m *Mailbox) PrincipalID() string {
	return m.principalID
}

// Deliver enqueues event, waiting for room until ctx expires. An event that
// fits is enqueued even when ctx has already expired.
func (m *Mailbox) Deliver(ctx context.Context, event Event) error {
	select {
	case <-m.done:
		return ErrMailboxClosed
	default:
	}
	select {
	case m.queue <- event:
		return nil
	default:
	}
	select {
	case m.queue <- event:
		return nil
	case <-m.done:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailbox) Events() <-chan Event {
	return m.queue
}

func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}
