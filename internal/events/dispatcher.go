package events

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 16

// Dispatcher fans events out to in-process subscribers keyed by job id.
// Slow subscribers miss events instead of blocking publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers for events of one job until ctx ends or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, jobID string) (<-chan Event, func()) {
	if jobID == "" {
		closed := make(chan Event)
		close(closed)
		return closed, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(jobID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(jobID, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish implements Publisher. It never blocks and never fails.
func (d *Dispatcher) Publish(_ context.Context, event Event) error {
	if event.JobID == "" || event.Type == "" {
		return nil
	}
	d.mu.RLock()
	current := d.subscribers[event.JobID]
	targets := make([]*subscriber, 0, len(current))
	for _, sub := range current {
		targets = append(targets, sub)
	}
	d.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
		}
	}
	return nil
}

// SubscriberCount reports how many subscribers are registered for a job.
func (d *Dispatcher) SubscriberCount(jobID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[jobID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(jobID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[jobID]; !ok {
		d.subscribers[jobID] = make(map[int64]*subscriber)
	}
	d.subscribers[jobID][sub.id] = sub
}

func (d *Dispatcher) unregister(jobID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.subscribers[jobID]
	if current == nil {
		return
	}
	delete(current, subscriberID)
	if len(current) == 0 {
		delete(d.subscribers, jobID)
	}
}
