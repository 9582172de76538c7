package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrUnsubscribed is returned by Subscription.Next after Close.
var ErrUnsubscribed = errors.New("session: subscription closed")

const (
	// eventOverhead is charged per event on top of its payload so floods of
	// tiny chunks are bounded too.
	eventOverhead = 64

	subscriptionBatch = 256
)

// outputLog is an append-only, size-bounded event log. Appends wake every
// waiter by closing and replacing notify.
type outputLog struct {
	mu          sync.Mutex
	events      []Event
	head        int
	nextSeq     uint64
	size        int
	max         int
	final       bool
	notify      chan struct{}
	subscribers int
}

func newOutputLog(maxBytes int) *outputLog {
	return &outputLog{
		nextSeq: 1,
		max:     maxBytes,
		notify:  make(chan struct{}),
	}
}

func eventCost(e Event) int { return len(e.Data) + eventOverhead }

// append assigns the next sequence number to e. Nothing is appended after
// the final event.
func (l *outputLog) append(e Event) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.final {
		return Event{}, false
	}
	e.Seq = l.nextSeq
	l.nextSeq++
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	l.events = append(l.events, e)
	l.size += eventCost(e)
	if e.Final() {
		l.final = true
	}
	l.trim()

	close(l.notify)
	l.notify = make(chan struct{})
	return e, true
}

// trim drops the oldest events until the log fits. The newest event always
// stays, so the final event is never trimmed.
func (l *outputLog) trim() {
	for l.max > 0 && l.size > l.max && len(l.events)-l.head > 1 {
		l.size -= eventCost(l.events[l.head])
		l.events[l.head] = Event{}
		l.head++
	}
	if l.head > 0 && l.head >= len(l.events)/2 {
		l.events = append([]Event(nil), l.events[l.head:]...)
		l.head = 0
	}
}

func (l *outputLog) firstSeqLocked() uint64 {
	if l.head == len(l.events) {
		return l.nextSeq
	}
	return l.events[l.head].Seq
}

// since returns up to limit events with Seq > after. When events after the
// cursor were trimmed, the first returned event carries the gap in Dropped.
// ended is true when the final event is at or before the last one returned.
func (l *outputLog) since(after uint64, limit int) (evs []Event, notify <-chan struct{}, ended bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	first := l.firstSeqLocked()
	var dropped uint64
	if after+1 < first {
		dropped = first - (after + 1)
		after = first - 1
	}

	idx := l.head + int(after+1-first)
	if idx > len(l.events) {
		idx = len(l.events)
	}
	end := len(l.events)
	if limit > 0 && idx+limit < end {
		end = idx + limit
	}
	if idx < end {
		evs = make([]Event, end-idx)
		copy(evs, l.events[idx:end])
		evs[0].Dropped = dropped
	}
	return evs, l.notify, l.final && end == len(l.events)
}

func (l *outputLog) lastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

func (l *outputLog) subscriberCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribers
}

func (l *outputLog) subscribe(after uint64) *Subscription {
	l.mu.Lock()
	l.subscribers++
	l.mu.Unlock()
	return &Subscription{log: l, cursor: after, done: make(chan struct{})}
}

// Subscription replays a session's log from a cursor and then follows live
// appends. A Subscription is read by one goroutine; Close may be called from
// any goroutine.
type Subscription struct {
	log     *outputLog
	cursor  uint64
	pending []Event
	ended   bool
	done    chan struct{}
	once    sync.Once
}

// Next blocks until the next event is available. After the final event it
// returns io.EOF.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if len(s.pending) > 0 {
			e := s.pending[0]
			s.pending = s.pending[1:]
			return e, nil
		}
		if s.ended {
			return Event{}, io.EOF
		}
		select {
		case <-s.done:
			return Event{}, ErrUnsubscribed
		default:
		}

		evs, notify, ended := s.log.since(s.cursor, subscriptionBatch)
		if len(evs) > 0 {
			s.pending = evs
			s.cursor = evs[len(evs)-1].Seq
			s.ended = ended
			continue
		}
		if ended {
			s.ended = true
			continue
		}

		select {
		case <-notify:
		case <-s.done:
			return Event{}, ErrUnsubscribed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Cursor is the sequence number of the last event handed out or buffered.
func (s *Subscription) Cursor() uint64 { return s.cursor }

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.log.mu.Lock()
		s.log.subscribers--
		s.log.mu.Unlock()
	})
}
