package feed_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tripwire/sentinel/internal/feed"
	"github.com/tripwire/sentinel/internal/model"
)

func newTestFeed(buf int) *feed.Feed {
	return feed.New(slog.New(slog.NewTextHandler(io.Discard, nil)), buf)
}

func score(total int, level model.RiskLevel) model.RiskScore {
	return model.RiskScore{ID: int64(total), TotalScore: total, RiskLevel: level, Timestamp: time.Now()}
}

func TestPublish_BumpsVersion(t *testing.T) {
	t.Parallel()
	f := newTestFeed(4)

	if _, ok := f.Since(0); ok {
		t.Fatal("Since(0) on an empty feed reported a state")
	}

	first := f.Publish(score(10, model.RiskLow), model.RiskLow)
	second := f.Publish(score(65, model.RiskHigh), model.RiskHigh)
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("versions = %d, %d; want 1, 2", first.Version, second.Version)
	}

	st, ok := f.Since(1)
	if !ok || st.Version != 2 || st.EffectiveScore != 65 || st.Level != model.RiskHigh {
		t.Fatalf("Since(1) = %+v, %v", st, ok)
	}
	if _, ok := f.Since(2); ok {
		t.Error("Since(latest) should report nothing new")
	}
}

func TestPublish_EffectiveScoreUsesDecay(t *testing.T) {
	t.Parallel()
	f := newTestFeed(1)

	cur := 12
	rs := score(65, model.RiskHigh)
	rs.Decayed = true
	rs.CurrentScore = &cur
	st := f.Publish(rs, model.RiskLow)
	if st.EffectiveScore != 12 {
		t.Errorf("EffectiveScore = %d, want 12", st.EffectiveScore)
	}
	if st.Level != model.RiskLow || st.Score.RiskLevel != model.RiskHigh {
		t.Errorf("level = %s (recorded %s), want LOW over the recorded HIGH", st.Level, st.Score.RiskLevel)
	}
}

func TestWait_BlocksUntilPublish(t *testing.T) {
	t.Parallel()
	f := newTestFeed(1)
	f.Publish(score(1, model.RiskLow), model.RiskLow)

	got := make(chan feed.State, 1)
	go func() {
		st, err := f.Wait(context.Background(), 1)
		if err == nil {
			got <- st
		}
	}()

	select {
	case <-got:
		t.Fatal("Wait returned before a newer state was published")
	case <-time.After(20 * time.Millisecond):
	}

	f.Publish(score(30, model.RiskMedium), model.RiskMedium)
	select {
	case st := <-got:
		if st.Version != 2 {
			t.Errorf("Version = %d, want 2", st.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Publish")
	}
}

func TestWait_ReturnsImmediatelyWhenBehind(t *testing.T) {
	t.Parallel()
	f := newTestFeed(1)
	f.Publish(score(1, model.RiskLow), model.RiskLow)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := f.Wait(ctx, 0)
	if err != nil || st.Version != 1 {
		t.Fatalf("Wait(0) = %+v, %v", st, err)
	}
}

func TestWait_ContextDeadline(t *testing.T) {
	t.Parallel()
	f := newTestFeed(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestSubscribe_DropsWhenFull(t *testing.T) {
	t.Parallel()
	f := newTestFeed(2)

	sub := f.Subscribe(context.Background())
	for i := 1; i <= 5; i++ {
		f.Publish(score(i, model.RiskLow), model.RiskLow)
	}

	if got := len(sub.C()); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
	if got := sub.Dropped.Load(); got != 3 {
		t.Errorf("subscriber dropped = %d, want 3", got)
	}
	if got := f.Dropped(); got != 3 {
		t.Errorf("feed dropped = %d, want 3", got)
	}
	if first := <-sub.C(); first.Version != 1 {
		t.Errorf("first delivered version = %d, want 1", first.Version)
	}
}

func TestSubscribe_EndsWithContext(t *testing.T) {
	t.Parallel()
	f := newTestFeed(1)

	ctx, cancel := context.WithCancel(context.Background())
	sub := f.Subscribe(ctx)
	if sub.ID() == "" {
		t.Fatal("subscription has no id")
	}
	if f.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", f.SubscriberCount())
	}

	cancel()
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if f.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d after cancel, want 0", f.SubscriberCount())
	}
}

func TestClose_EndsSubscriptionsButKeepsPolling(t *testing.T) {
	t.Parallel()
	f := newTestFeed(1)
	sub := f.Subscribe(context.Background())

	f.Close()
	f.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatal("subscription channel still open after Close")
	}
	if late := f.Subscribe(context.Background()); late != nil {
		if _, ok := <-late.C(); ok {
			t.Fatal("Subscribe after Close returned an open channel")
		}
	}

	f.Publish(score(3, model.RiskLow), model.RiskLow)
	if _, ok := f.Since(0); !ok {
		t.Error("Since should still see states published after Close")
	}
}
