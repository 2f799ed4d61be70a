// Package stream routes worker-produced events to the single subscriber of a job.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"ai-chat-stream/internal/domain/model"
	"ai-chat-stream/internal/domain/ports/adapter"
	"ai-chat-stream/internal/infra/metrics"
)

var (
	ErrAlreadySubscribed = errors.New("stream: job already has a subscriber")
	ErrChannelGone       = errors.New("stream: channel released")
)

// Compile-time interface checks.
var (
	_ adapter.StreamDispatcher   = (*Dispatcher)(nil)
	_ adapter.StreamSubscription = (*Subscription)(nil)
)

// Dispatcher keeps one ordered buffer per job. Publishing before the
// subscriber attaches is allowed; buffered events are delivered on attach.
type Dispatcher struct {
	mu       sync.Mutex
	channels map[string]*channel
	// released holds jobs whose subscriber left; their events are dropped
	// until the producer calls Close.
	released map[string]struct{}
	log      *zerolog.Logger

	totalPublished atomic.Int64
	totalDropped   atomic.Int64
}

type channel struct {
	mu       sync.Mutex
	jobID    string
	queue    []model.StreamEvent
	seq      int64
	closed   bool
	attached bool
	released bool
	notify   chan struct{}
}

func NewDispatcher(logger *zerolog.Logger) *Dispatcher {
	l := logger.With().Str("component", "StreamDispatcher").Logger()
	return &Dispatcher{
		channels: make(map[string]*channel),
		released: make(map[string]struct{}),
		log:      &l,
	}
}

// Open attaches the subscriber of jobID. Only one live subscriber is allowed.
func (d *Dispatcher) Open(jobID string) (adapter.StreamSubscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, gone := d.released[jobID]; gone {
		return nil, ErrChannelGone
	}
	ch := d.channelLocked(jobID)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.attached {
		return nil, ErrAlreadySubscribed
	}
	ch.attached = true
	if len(ch.queue) > 0 || ch.closed {
		ch.signal()
	}
	d.log.Debug().Str("job_id", jobID).Int("buffered", len(ch.queue)).Msg("subscriber attached")
	return &Subscription{d: d, ch: ch}, nil
}

// Publish appends evt to the job's channel, assigning its id and sequence.
func (d *Dispatcher) Publish(jobID string, evt model.StreamEvent) error {
	d.mu.Lock()
	if _, gone := d.released[jobID]; gone {
		d.mu.Unlock()
		d.drop(jobID, evt, "subscriber released")
		return nil
	}
	ch := d.channelLocked(jobID)
	d.mu.Unlock()

	ch.mu.Lock()
	if ch.closed || ch.released {
		ch.mu.Unlock()
		d.drop(jobID, evt, "channel closed")
		return nil
	}
	ch.seq++
	evt.ID = ulid.Make().String()
	evt.JobID = jobID
	evt.Seq = ch.seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	ch.queue = append(ch.queue, evt)
	ch.signal()
	ch.mu.Unlock()

	d.totalPublished.Add(1)
	metrics.IncStreamEvent(string(evt.Kind), "buffered")
	return nil
}

// Close marks the end of the job's stream. The subscriber drains what is
// buffered and then receives io.EOF.
func (d *Dispatcher) Close(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, gone := d.released[jobID]; gone {
		delete(d.released, jobID)
		return
	}
	ch, ok := d.channels[jobID]
	if !ok {
		return
	}
	ch.mu.Lock()
	ch.closed = true
	ch.signal()
	ch.mu.Unlock()
}

// Stats reports dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	open := len(d.channels)
	tombstones := len(d.released)
	d.mu.Unlock()
	return DispatcherStats{
		OpenChannels:   open,
		Tombstones:     tombstones,
		TotalPublished: d.totalPublished.Load(),
		TotalDropped:   d.totalDropped.Load(),
	}
}

type DispatcherStats struct {
	OpenChannels   int   `json:"open_channels"`
	Tombstones     int   `json:"tombstones"`
	TotalPublished int64 `json:"total_published"`
	TotalDropped   int64 `json:"total_dropped"`
}

func (d *Dispatcher) channelLocked(jobID string) *channel {
	ch, ok := d.channels[jobID]
	if !ok {
		ch = &channel{jobID: jobID, notify: make(chan struct{}, 1)}
		d.channels[jobID] = ch
		metrics.SetStreamChannelsOpen(len(d.channels))
	}
	return ch
}

// forget removes the channel. When released is true, later publishes for the
// job are dropped until the producer closes it. Close also takes d.mu, so
// checking ch.closed here cannot miss a concurrent Close.
func (d *Dispatcher) forget(ch *channel, released bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.channels[ch.jobID]; ok && cur == ch {
		delete(d.channels, ch.jobID)
		metrics.SetStreamChannelsOpen(len(d.channels))
	}
	if !released {
		return
	}
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if !closed {
		d.released[ch.jobID] = struct{}{}
	}
}

func (d *Dispatcher) drop(jobID string, evt model.StreamEvent, reason string) {
	d.totalDropped.Add(1)
	metrics.IncStreamEvent(string(evt.Kind), "dropped")
	d.log.Debug().Str("job_id", jobID).Str("kind", string(evt.Kind)).Str("reason", reason).Msg("event dropped")
}

// signal wakes the subscriber without blocking. Caller holds ch.mu.
func (ch *channel) signal() {
	select {
	case ch.notify <- struct{}{}:
	default:
	}
}

// Subscription is the consumer side of one job's channel.
type Subscription struct {
	d    *Dispatcher
	ch   *channel
	once sync.Once
}

func (s *Subscription) JobID() string { return s.ch.jobID }

// Next returns events in publish order, io.EOF after the channel was closed
// and drained, or ctx.Err() when the caller gives up.
func (s *Subscription) Next(ctx context.Context) (model.StreamEvent, error) {
	for {
		s.ch.mu.Lock()
		if s.ch.released {
			s.ch.mu.Unlock()
			return model.StreamEvent{}, ErrChannelGone
		}
		if len(s.ch.queue) > 0 {
			evt := s.ch.queue[0]
			s.ch.queue[0] = model.StreamEvent{}
			s.ch.queue = s.ch.queue[1:]
			s.ch.mu.Unlock()
			return evt, nil
		}
		if s.ch.closed {
			s.ch.mu.Unlock()
			s.once.Do(func() { s.d.forget(s.ch, false) })
			return model.StreamEvent{}, io.EOF
		}
		s.ch.mu.Unlock()

		select {
		case <-s.ch.notify:
		case <-ctx.Done():
			return model.StreamEvent{}, ctx.Err()
		}
	}
}

// Release detaches the subscriber. Pending and future events for the job are dropped.
func (s *Subscription) Release() {
	s.once.Do(func() {
		s.ch.mu.Lock()
		pending := len(s.ch.queue)
		s.ch.released = true
		s.ch.queue = nil
		s.ch.mu.Unlock()

		// A closed channel has no producer left, so forget skips the tombstone.
		s.d.forget(s.ch, true)
		s.d.totalDropped.Add(int64(pending))
		s.d.log.Debug().Str("job_id", s.ch.jobID).Int("discarded", pending).Msg("subscriber released")
	})
}
