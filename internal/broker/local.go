package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zulandar/medconsult/internal/apperr"
)

// DefaultMailboxSize bounds the number of payloads queued for one
// subscriber before new ones are dropped.
const DefaultMailboxSize = 64

type envelope struct {
	topic   string
	payload []byte
}

// mailbox is the FIFO queue and delivery goroutine of one subscriber.
type mailbox struct {
	owner  *Local
	sub    Subscriber
	ch     chan envelope
	quit   chan struct{}
	done   chan struct{}
	prev   <-chan struct{} // done of the subscriber's previous mailbox, if still running
	topics map[string]struct{}
}

func (m *mailbox) run() {
	defer close(m.done)
	defer m.owner.retired(m)
	// A stopped mailbox may still be inside Deliver; wait for it so the
	// subscriber never sees two calls at once.
	if m.prev != nil {
		<-m.prev
	}
	for {
		select {
		case <-m.quit:
			return
		case env := <-m.ch:
			select {
			case <-m.quit:
				return
			default:
			}
			m.sub.Deliver(env.topic, env.payload)
		}
	}
}

// Local is an in-process Broker. Publishes are serialised, so every
// subscriber of a topic observes the same order.
type Local struct {
	mu        sync.Mutex
	topics    map[string]map[string]*mailbox // topic -> subscriber id -> mailbox
	mailboxes map[string]*mailbox            // subscriber id -> mailbox
	retiring  map[string]*mailbox            // subscriber id -> stopped mailbox not yet exited
	size      int
	closed    bool
	log       *slog.Logger
}

// LocalOpts configures a Local broker.
type LocalOpts struct {
	MailboxSize int
	Logger      *slog.Logger
}

// NewLocal returns an empty in-process broker.
func NewLocal(opts LocalOpts) *Local {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	return &Local{
		topics:    make(map[string]map[string]*mailbox),
		mailboxes: make(map[string]*mailbox),
		retiring:  make(map[string]*mailbox),
		size:      opts.MailboxSize,
		log:       opts.Logger,
	}
}

var _ Broker = (*Local)(nil)

// Publish enqueues payload in the mailbox of every subscriber of topic. A
// full mailbox drops the payload for that subscriber only.
func (b *Local) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return apperr.New(apperr.ErrBrokerUnavailable, "broker closed")
	}
	subs := b.topics[topic]
	if len(subs) == 0 {
		return nil
	}
	env := envelope{topic: topic, payload: payload}
	for id, mb := range subs {
		select {
		case mb.ch <- env:
		default:
			b.log.Warn("broker: mailbox full, dropping payload",
				"topic", topic, "subscriber", id)
		}
	}
	return nil
}

// Subscribe adds sub to topic, starting its mailbox on first use.
func (b *Local) Subscribe(topic string, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return apperr.New(apperr.ErrBrokerUnavailable, "broker closed")
	}
	id := sub.ID()
	mb := b.mailboxes[id]
	if mb == nil {
		mb = &mailbox{
			owner:  b,
			sub:    sub,
			ch:     make(chan envelope, b.size),
			quit:   make(chan struct{}),
			done:   make(chan struct{}),
			topics: make(map[string]struct{}),
		}
		if old := b.retiring[id]; old != nil {
			mb.prev = old.done
			delete(b.retiring, id)
		}
		b.mailboxes[id] = mb
		go mb.run()
	}

	room := b.topics[topic]
	if room == nil {
		room = make(map[string]*mailbox)
		b.topics[topic] = room
	}
	room[id] = mb
	mb.topics[topic] = struct{}{}
	return nil
}

// Unsubscribe removes sub from topic. When sub has no topics left its
// mailbox is stopped and pending payloads are discarded.
func (b *Local) Unsubscribe(topic string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(topic, sub.ID())
}

// UnsubscribeAll removes sub from all topics.
func (b *Local) UnsubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb := b.mailboxes[sub.ID()]
	if mb == nil {
		return
	}
	for topic := range mb.topics {
		b.leaveLocked(topic, sub.ID())
	}
}

// Subscribers returns the number of subscribers of topic.
func (b *Local) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Close stops every mailbox. Later publishes and subscribes fail.
func (b *Local) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	boxes := make([]*mailbox, 0, len(b.mailboxes))
	for _, mb := range b.mailboxes {
		close(mb.quit)
		boxes = append(boxes, mb)
	}
	b.topics = make(map[string]map[string]*mailbox)
	b.mailboxes = make(map[string]*mailbox)
	b.retiring = make(map[string]*mailbox)
	b.mu.Unlock()

	for _, mb := range boxes {
		<-mb.done
	}
	return nil
}

func (b *Local) leaveLocked(topic, id string) {
	room := b.topics[topic]
	if room == nil {
		return
	}
	mb, ok := room[id]
	if !ok {
		return
	}
	delete(room, id)
	if len(room) == 0 {
		delete(b.topics, topic)
	}
	delete(mb.topics, topic)
	if len(mb.topics) == 0 {
		delete(b.mailboxes, id)
		b.retiring[id] = mb
		close(mb.quit)
	}
}

// retired forgets a stopped mailbox once its goroutine is exiting.
func (b *Local) retired(mb *mailbox) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retiring[mb.sub.ID()] == mb {
		delete(b.retiring, mb.sub.ID())
	}
}
