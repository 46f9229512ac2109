// Package progress fans progress events out from running jobs to live
// subscribers. The broker is a single cooperative goroutine owning every
// subscriber list; workers publish into a multi-producer channel and never
// block on slow consumers.
package progress

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	publishBuffer    = 256
	subscriberBuffer = 32
)

// ErrCodeJobNotFound is delivered to subscribers of unknown job ids.
const ErrCodeJobNotFound = "JOB_NOT_FOUND"

// Subscription is a live feed of one job's events. Cancel is idempotent.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Cancel detaches the subscription; the channel is closed by the broker.
func (s *Subscription) Cancel() { s.cancel() }

type subscriber struct {
	id    int
	jobID string
	ch    chan Event

	lastEmit  time.Time
	lastPct   int
	lastPhase string
	primed    bool
}

type subReq struct {
	jobID string
	reply chan *Subscription
}

// Broker owns subscriber state and the last-event buffer. Publish is
// non-blocking; a subscriber whose delivery queue fills up is dropped and
// expected to reconnect.
type Broker struct {
	pub    chan Event
	subs   chan subReq
	unsubs chan int
	quit   chan struct{}
	done   chan struct{}

	known       func(jobID string) bool
	minInterval time.Duration
	minDeltaPct int
	log         zerolog.Logger
}

// Options configures broker throttling and job-id validation.
type Options struct {
	Known       func(jobID string) bool
	MinInterval time.Duration
	MinDeltaPct int
	Logger      zerolog.Logger
}

// NewBroker starts the broker goroutine.
func NewBroker(opts Options) *Broker {
	if opts.MinInterval <= 0 {
		opts.MinInterval = time.Second
	}
	if opts.MinDeltaPct <= 0 {
		opts.MinDeltaPct = 5
	}
	b := &Broker{
		pub:         make(chan Event, publishBuffer),
		subs:        make(chan subReq),
		unsubs:      make(chan int),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		known:       opts.Known,
		minInterval: opts.MinInterval,
		minDeltaPct: opts.MinDeltaPct,
		log:         opts.Logger.With().Str("component", "progress.broker").Logger(),
	}
	go b.run()
	return b
}

// Publish hands an event to the broker without blocking. Events are
// dropped only when the broker's own queue is full.
func (b *Broker) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.pub <- ev:
	default:
		b.log.Warn().Str("job_id", ev.JobID).Msg("publish queue full, event dropped")
	}
}

// Subscribe attaches to a job's event feed. A known job immediately
// replays its buffered last event; an unknown job yields a single
// JOB_NOT_FOUND error event and a closed channel.
func (b *Broker) Subscribe(jobID string) *Subscription {
	req := subReq{jobID: jobID, reply: make(chan *Subscription)}
	select {
	case b.subs <- req:
		return <-req.reply
	case <-b.quit:
		ch := make(chan Event)
		close(ch)
		return &Subscription{Events: ch, cancel: func() {}}
	}
}

// Close stops the broker and closes every subscriber channel.
func (b *Broker) Close() {
	close(b.quit)
	<-b.done
}

func (b *Broker) run() {
	defer close(b.done)
	subscribers := make(map[string][]*subscriber)
	lastByJob := make(map[string]Event)
	nextID := 0
	byID := make(map[int]*subscriber)

	drop := func(s *subscriber) {
		list := subscribers[s.jobID]
		for i, x := range list {
			if x.id == s.id {
				subscribers[s.jobID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		delete(byID, s.id)
		close(s.ch)
	}

	deliver := func(s *subscriber, ev Event) {
		select {
		case s.ch <- ev:
			s.lastEmit = ev.Timestamp
			s.lastPct = ev.Progress
			s.lastPhase = ev.Phase
			s.primed = true
		default:
			// policy: drop the slow subscriber, never the event
			b.log.Warn().Str("job_id", s.jobID).Msg("slow subscriber dropped")
			drop(s)
		}
	}

	for {
		select {
		case <-b.quit:
			for _, s := range byID {
				close(s.ch)
			}
			return

		case ev := <-b.pub:
			lastByJob[ev.JobID] = ev
			for _, s := range append([]*subscriber{}, subscribers[ev.JobID]...) {
				if b.shouldEmit(s, ev) {
					deliver(s, ev)
				}
			}

		case req := <-b.subs:
			if b.known != nil && !b.known(req.jobID) {
				ch := make(chan Event, 1)
				ch <- Event{
					JobID:     req.jobID,
					Terminal:  true,
					ErrorCode: ErrCodeJobNotFound,
					Message:   "job not found",
					Timestamp: time.Now(),
				}
				close(ch)
				req.reply <- &Subscription{Events: ch, cancel: func() {}}
				continue
			}
			nextID++
			s := &subscriber{id: nextID, jobID: req.jobID, ch: make(chan Event, subscriberBuffer)}
			subscribers[req.jobID] = append(subscribers[req.jobID], s)
			byID[s.id] = s
			id := s.id
			req.reply <- &Subscription{Events: s.ch, cancel: func() {
				select {
				case b.unsubs <- id:
				case <-b.quit:
				}
			}}
			// late subscribers immediately see the current state
			if last, ok := lastByJob[req.jobID]; ok {
				deliver(s, last)
			}

		case id := <-b.unsubs:
			if s, ok := byID[id]; ok {
				drop(s)
			}
		}
	}
}

// shouldEmit applies the throttle: phase transitions and terminal events
// always pass; otherwise one event per interval or per progress delta.
func (b *Broker) shouldEmit(s *subscriber, ev Event) bool {
	if ev.Terminal || !s.primed {
		return true
	}
	if ev.Phase != s.lastPhase {
		return true
	}
	if ev.Timestamp.Sub(s.lastEmit) >= b.minInterval {
		return true
	}
	if ev.Progress-s.lastPct >= b.minDeltaPct {
		return true
	}
	return false
}
