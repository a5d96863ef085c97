package server

import (
	"context"
	"sync"
	"time"
)

const (
	// RealtimeEventRevision announces that new revisions landed for a scope.
	RealtimeEventRevision  = "revision"
	realtimeEventHeartbeat = "heartbeat"
)

// RealtimeMessage tells connected devices of one tenant+facility scope that
// the ledger advanced, so they should pull. Carries no payloads.
type RealtimeMessage struct {
	TenantID   string
	FacilityID string
	EventType  string
	Revision   int64
	Timestamp  time.Time
}

// RealtimeDispatcher fans revision notifications out to subscribed
// long-lived connections. Delivery is best-effort: a slow subscriber drops
// messages rather than blocking the push path.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func scopeKey(tenantID, facilityID string) string {
	return tenantID + "/" + facilityID
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, tenantID, facilityID string) (<-chan RealtimeMessage, func()) {
	if tenantID == "" || facilityID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	key := scopeKey(tenantID, facilityID)
	d.registerSubscriber(key, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(key, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.TenantID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[scopeKey(message.TenantID, message.FacilityID)]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(key string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[key][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(key string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
