// Package broadcast fans events out to the connections subscribed to a
// channel. Delivery is best-effort and at most once per subscribed
// connection: there is no acknowledgment, retry or replay.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"collab/api/internal/collab"
)

const (
	DefaultDeliveryTimeout = 2 * time.Second
	DefaultConcurrency     = 32
)

// Event is what a subscriber receives.
type Event struct {
	Channel string          `json:"channel"`
	Name    string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Envelope carries an event between router instances.
type Envelope struct {
	Node    string          `json:"node"`
	Channel string          `json:"channel"`
	Name    string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Exclude string          `json:"exclude,omitempty"`
}

// Subscriber is one live connection.
type Subscriber interface {
	ID() string
	PrincipalID() string
	Deliver(ctx context.Context, event Event) error
}

// Authorizer decides whether a subscriber may join a channel. It is consulted
// at subscribe time, before and after the subscription is inserted.
type Authorizer interface {
	AuthorizeSubscribe(ctx context.Context, subscriber Subscriber, channel string) error
}

type AuthorizerFunc func(ctx context.Context, subscriber Subscriber, channel string) error

func (f AuthorizerFunc) AuthorizeSubscribe(ctx context.Context, subscriber Subscriber, channel string) error {
	return f(ctx, subscriber, channel)
}

// Relay mirrors published events to other router instances.
type Relay interface {
	Forward(ctx context.Context, envelope Envelope) error
}

type Options struct {
	Node            string
	DeliveryTimeout time.Duration
	Concurrency     int
	Authorizer      Authorizer
	Logger          *slog.Logger
}

type Router struct {
	node       string
	timeout    time.Duration
	limit      int
	authorizer Authorizer
	logger     *slog.Logger

	relayMu sync.RWMutex
	relay   Relay

	mu           sync.RWMutex
	channels     map[string]*channel
	bySubscriber map[string]map[string]struct{}
}

type channel struct {
	mu          sync.Mutex
	subscribers map[string]Subscriber
}

func NewRouter(opts Options) *Router {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		node:         opts.Node,
		timeout:      opts.DeliveryTimeout,
		limit:        opts.Concurrency,
		authorizer:   opts.Authorizer,
		logger:       opts.Logger,
		channels:     make(map[string]*channel),
		bySubscriber: make(map[string]map[string]struct{}),
	}
}

func (r *Router) Node() string {
	return r.node
}

// SetAuthorizer replaces the subscribe-time authorizer. It is meant for
// wiring, before the router serves traffic.
func (r *Router) SetAuthorizer(authorizer Authorizer) {
	r.mu.Lock()
	r.authorizer = authorizer
	r.mu.Unlock()
}

func (r *Router) SetRelay(relay Relay) {
	r.relayMu.Lock()
	r.relay = relay
	r.relayMu.Unlock()
}

// Subscribe attaches subscriber to name after checking the authorizer. The
// authorizer runs again once the subscription is in place, so a grant
// revoked in between (session ended, participant left) undoes the
// subscription instead of leaving it on a dropped channel.
func (r *Router) Subscribe(ctx context.Context, subscriber Subscriber, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: channel is required", collab.ErrInvalidArgument)
	}
	r.mu.RLock()
	authorizer := r.authorizer
	r.mu.RUnlock()
	if err := authorize(ctx, authorizer, subscriber, name); err != nil {
		return err
	}

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		ch = &channel{subscribers: make(map[string]Subscriber)}
		r.channels[name] = ch
	}
	subs, ok := r.bySubscriber[subscriber.ID()]
	if !ok {
		subs = make(map[string]struct{})
		r.bySubscriber[subscriber.ID()] = subs
	}
	_, held := subs[name]
	subs[name] = struct{}{}
	ch.mu.Lock()
	ch.subscribers[subscriber.ID()] = subscriber
	ch.mu.Unlock()
	r.mu.Unlock()

	if err := authorize(ctx, authorizer, subscriber, name); err != nil {
		if !held {
			r.mu.Lock()
			r.detachLocked(subscriber.ID(), name)
			r.mu.Unlock()
		}
		return err
	}
	return nil
}

func authorize(ctx context.Context, authorizer Authorizer, subscriber Subscriber, name string) error {
	if authorizer == nil {
		return nil
	}
	if err := authorizer.AuthorizeSubscribe(ctx, subscriber, name); err != nil {
		if errors.Is(err, collab.ErrForbidden) {
			return err
		}
		return fmt.Errorf("%w: %v", collab.ErrForbidden, err)
	}
	return nil
}

func (r *Router) Unsubscribe(subscriber Subscriber, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(subscriber.ID(), name)
}

// UnsubscribePrincipal detaches every connection of principalID from name.
func (r *Router) UnsubscribePrincipal(name, principalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		return
	}
	ch.mu.Lock()
	var ids []string
	for id, sub := range ch.subscribers {
		if sub.PrincipalID() == principalID {
			ids = append(ids, id)
		}
	}
	ch.mu.Unlock()
	for _, id := range ids {
		r.detachLocked(id, name)
	}
}

// UnsubscribeAll detaches subscriber from every channel and returns the
// channel names it held.
func (r *Router) UnsubscribeAll(subscriber Subscriber) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.bySubscriber[subscriber.ID()]
	names := make([]string, 0, len(subs))
	for name := range subs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.detachLocked(subscriber.ID(), name)
	}
	return names
}

// Drop removes a channel and all of its subscriptions.
func (r *Router) Drop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		return
	}
	ch.mu.Lock()
	ids := make([]string, 0, len(ch.subscribers))
	for id := range ch.subscribers {
		ids = append(ids, id)
	}
	ch.mu.Unlock()
	for _, id := range ids {
		r.detachLocked(id, name)
	}
	delete(r.channels, name)
}

func (r *Router) detachLocked(subscriberID, name string) {
	if ch, ok := r.channels[name]; ok {
		ch.mu.Lock()
		delete(ch.subscribers, subscriberID)
		empty := len(ch.subscribers) == 0
		ch.mu.Unlock()
		if empty {
			delete(r.channels, name)
		}
	}
	if subs, ok := r.bySubscriber[subscriberID]; ok {
		delete(subs, name)
		if len(subs) == 0 {
			delete(r.bySubscriber, subscriberID)
		}
	}
}

// Subscribers returns the number of connections currently on name.
func (r *Router) Subscribers(name string) int {
	r.mu.RLock()
	ch, ok := r.channels[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subscribers)
}

// IsSubscribed reports whether subscriberID currently holds name.
func (r *Router) IsSubscribed(subscriberID, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bySubscriber[subscriberID][name]
	return ok
}

// Publish delivers payload to every subscriber of name except the
// connections of exclude. Per-connection failures are logged and dropped;
// the call only fails when payload cannot be encoded.
func (r *Router) Publish(ctx context.Context, name, event string, payload any, exclude string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	envelope := Envelope{
		Node:    r.node,
		Channel: name,
		Name:    event,
		Data:    data,
		Exclude: exclude,
	}
	r.deliverLocal(ctx, envelope)

	r.relayMu.RLock()
	relay := r.relay
	r.relayMu.RUnlock()
	if relay != nil {
		if err := relay.Forward(ctx, envelope); err != nil {
			r.logger.Warn("relay forward failed", "channel", name, "event", event, "error", err)
		}
	}
	return nil
}

// DeliverRemote hands an envelope received from another router instance to
// local subscribers. Envelopes that originated here are ignored.
func (r *Router) DeliverRemote(ctx context.Context, envelope Envelope) {
	if envelope.Node != "" && envelope.Node == r.node {
		return
	}
	r.deliverLocal(ctx, envelope)
}

func (r *Router) deliverLocal(ctx context.Context, envelope Envelope) {
	r.mu.RLock()
	ch, ok := r.channels[envelope.Channel]
	r.mu.RUnlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	targets := make([]Subscriber, 0, len(ch.subscribers))
	for _, sub := range ch.subscribers {
		if envelope.Exclude != "" && sub.PrincipalID() == envelope.Exclude {
			continue
		}
		targets = append(targets, sub)
	}
	ch.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	// One deadline covers the whole fan-out, so a publish waits at most
	// DeliveryTimeout however many subscribers are stalled.
	event := Event{Channel: envelope.Channel, Name: envelope.Name, Data: envelope.Data}
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	var g errgroup.Group
	g.SetLimit(r.limit)
	for _, sub := range targets {
		g.Go(func() error {
			if err := sub.Deliver(deliverCtx, event); err != nil {
				r.logger.Warn("dropped delivery",
					"channel", envelope.Channel,
					"event", envelope.Name,
					"subscriber", sub.ID(),
					"principal_id", sub.PrincipalID(),
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}
