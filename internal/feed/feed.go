// Package feed publishes the current risk state to in-process observers.
//
// Every Publish bumps a monotonically increasing version. Readers either poll
// with Since, block with Wait until the version moves past the one they hold,
// or Subscribe for a stream of states.
//
// Subscribers each own a buffered channel. Fan-out uses a non-blocking send so
// a slow subscriber never stalls the risk engine; a state that does not fit is
// dropped for that subscriber and counted. Subscribers are tracked in a
// sync.Map keyed by a random id so Publish does not take a global lock while
// ranging.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/sentinel/internal/model"
)

// State is one published snapshot of the latest risk score.
type State struct {
	Version        uint64          `json:"version"`
	Score          model.RiskScore `json:"score"`
	EffectiveScore int             `json:"effective_score"`
	Level          model.RiskLevel `json:"level"`
	PublishedAt    time.Time       `json:"published_at"`
}

// Subscription is a live stream of published states. It is valid until the
// subscriber's context is cancelled, Unsubscribe is called, or the feed is
// closed; C is closed at that point.
type Subscription struct {
	id      string
	mu      sync.Mutex // guards ch against send after close
	ch      chan State
	done    bool
	Dropped atomic.Int64 // states lost because the buffer was full
}

func (s *Subscription) offer(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return true
	}
	select {
	case s.ch <- st:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// C returns the channel states are delivered on.
func (s *Subscription) C() <-chan State { return s.ch }

// Feed is safe for concurrent use. The zero value is not usable; create one
// with New.
type Feed struct {
	mu      sync.Mutex
	version uint64
	latest  *State
	changed chan struct{} // closed and replaced on every Publish

	subs    sync.Map // map[string]*Subscription
	subCnt  atomic.Int64
	dropped atomic.Int64

	bufSize int
	logger  *slog.Logger
	now     func() time.Time

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a Feed. bufSize is the per-subscriber channel depth; 0 selects
// 16.
func New(logger *slog.Logger, bufSize int) *Feed {
	if bufSize <= 0 {
		bufSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		changed: make(chan struct{}),
		bufSize: bufSize,
		logger:  logger,
		now:     time.Now,
	}
}

// Publish records rs as the latest risk state and fans it out. level is the
// band of rs's effective score, which drops as the score decays. It returns
// the published state with its new version. After Close, Publish still
// updates the polled state but delivers to nobody.
func (f *Feed) Publish(rs model.RiskScore, level model.RiskLevel) State {
	f.mu.Lock()
	f.version++
	st := State{
		Version:        f.version,
		Score:          rs,
		EffectiveScore: rs.EffectiveScore(),
		Level:          level,
		PublishedAt:    f.now(),
	}
	f.latest = &st
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()

	if f.closed.Load() {
		return st
	}
	f.subs.Range(func(_, v any) bool {
		s := v.(*Subscription)
		if !s.offer(st) {
			s.Dropped.Add(1)
			f.dropped.Add(1)
			f.logger.Warn("feed: subscriber buffer full, dropping state",
				slog.String("subscriber_id", s.id),
				slog.Uint64("version", st.Version),
			)
		}
		return true
	})
	return st
}

// Version returns the version of the latest published state, 0 before the
// first Publish.
func (f *Feed) Version() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

// Since returns the latest state when its version is greater than v.
func (f *Feed) Since(v uint64) (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil || f.latest.Version <= v {
		return State{}, false
	}
	return *f.latest, true
}

// Wait blocks until a state newer than v is published or ctx is done.
func (f *Feed) Wait(ctx context.Context, v uint64) (State, error) {
	for {
		f.mu.Lock()
		if f.latest != nil && f.latest.Version > v {
			st := *f.latest
			f.mu.Unlock()
			return st, nil
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return State{}, ctx.Err()
		}
	}
}

// Subscribe registers a subscriber. The subscription ends when ctx is
// cancelled.
func (f *Feed) Subscribe(ctx context.Context) *Subscription {
	s := &Subscription{id: uuid.NewString(), ch: make(chan State, f.bufSize)}
	if f.closed.Load() {
		s.close()
		return s
	}
	f.subs.Store(s.id, s)
	f.subCnt.Add(1)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			f.Unsubscribe(s.id)
		}()
	}
	return s
}

// Unsubscribe removes the subscription and closes its channel. Unknown ids
// are ignored.
func (f *Feed) Unsubscribe(id string) {
	if v, loaded := f.subs.LoadAndDelete(id); loaded {
		v.(*Subscription).close()
		f.subCnt.Add(-1)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (f *Feed) SubscriberCount() int { return int(f.subCnt.Load()) }

// Dropped returns the number of states dropped across all subscribers.
func (f *Feed) Dropped() int64 { return f.dropped.Load() }

// Close ends every subscription. Publish, Since and Wait keep working.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		f.subs.Range(func(k, _ any) bool {
			f.Unsubscribe(k.(string))
			return true
		})
	})
}
