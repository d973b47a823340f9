package progress

import (
	"encoding/json"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	log "github.com/sirupsen/logrus"
	"sync"
	"time"
)

const DefaultBufferSize = 16

type Event struct {
	ScheduleId model.ScheduleId `json:"scheduleId"`
	Progress   int              `json:"progress"`
	Status     model.Status     `json:"status"`
	Message    string           `json:"message,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

func NewEvent(schedule model.Schedule) Event {
	return Event{
		ScheduleId: schedule.Id,
		Progress:   schedule.Progress,
		Status:     schedule.Status,
		Message:    schedule.Message,
		Timestamp:  time.Now().UTC(),
	}
}

// SSE renders the event as one text/event-stream record.
func (e Event) SSE() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed encoding progress event: %w", err)
	}
	record := make([]byte, 0, len(payload)+8)
	record = append(record, "data: "...)
	record = append(record, payload...)
	record = append(record, "\n\n"...)
	return record, nil
}

type Subscription struct {
	scheduleId model.ScheduleId
	ch         chan Event
	C          <-chan Event
}

func (s *Subscription) ScheduleId() model.ScheduleId {
	return s.scheduleId
}

type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[model.ScheduleId]map[*Subscription]struct{}
	bufferSize  int
	closed      bool
}

func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		subscribers: make(map[model.ScheduleId]map[*Subscription]struct{}),
		bufferSize:  bufferSize,
	}
}

func (b *Broadcaster) Subscribe(scheduleId model.ScheduleId) *Subscription {
	ch := make(chan Event, b.bufferSize)
	sub := &Subscription{scheduleId: scheduleId, ch: ch, C: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	set, ok := b.subscribers[scheduleId]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subscribers[scheduleId] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe closes the subscription channel. Calling it again is a no-op.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subscribers[sub.scheduleId]
	if !ok {
		return
	}
	if _, ok = set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(b.subscribers, sub.scheduleId)
	}
}

// Close ends every subscription. Later subscriptions start closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subscribers {
		for sub := range set {
			close(sub.ch)
		}
	}
	b.subscribers = make(map[model.ScheduleId]map[*Subscription]struct{})
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// sends happen under the lock so Unsubscribe cannot close a channel mid-send
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers[event.ScheduleId] {
		select {
		case sub.ch <- event:
		default:
			log.WithFields(log.Fields{
				"scheduleId": event.ScheduleId,
				"progress":   event.Progress,
			}).Debug("Dropped progress event for slow subscriber")
		}
	}
}

func (b *Broadcaster) Subscribers(scheduleId model.ScheduleId) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[scheduleId])
}

func (b *Broadcaster) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
