package engicom

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestCache(chats *fakeChats, msgs *fakeMessages, clock *fakeClock) (*Cache, *Metrics) {
	m := NewMetrics(nil)
	return NewCache(chats, msgs, &CacheOptions{Now: clock.Now, Metrics: m}), m
}

// ============================================================================
// AppendMessage
// ============================================================================

func TestCacheAppendMessage(t *testing.T) {
	t.Run("duplicate id is dropped", func(t *testing.T) {
		c, m := newTestCache(&fakeChats{}, newFakeMessages(), newFakeClock())
		msg := msgAt("m-1", "c1", "u2", "hello", t0)

		if !c.AppendMessage("c1", msg) {
			t.Fatal("expected first append to insert")
		}
		if c.AppendMessage("c1", msg) {
			t.Fatal("expected second append to be ignored")
		}
		if got := len(c.Peek("c1")); got != 1 {
			t.Fatalf("expected 1 message, got %d", got)
		}
		if got := testutil.ToFloat64(m.DuplicatesDropped); got != 1 {
			t.Fatalf("expected 1 duplicate counted, got %v", got)
		}
	})

	t.Run("empty id is rejected", func(t *testing.T) {
		c, _ := newTestCache(&fakeChats{}, newFakeMessages(), newFakeClock())
		if c.AppendMessage("c1", Message{Content: "x"}) {
			t.Fatal("expected append without id to fail")
		}
	})

	t.Run("keeps timestamp order", func(t *testing.T) {
		c, _ := newTestCache(&fakeChats{}, newFakeMessages(), newFakeClock())
		c.AppendMessage("c1", msgAt("m-3", "c1", "u2", "", t0.Add(3*time.Second)))
		c.AppendMessage("c1", msgAt("m-1", "c1", "u2", "", t0.Add(1*time.Second)))
		c.AppendMessage("c1", msgAt("m-2", "c1", "u2", "", t0.Add(2*time.Second)))

		want := []string{"m-1", "m-2", "m-3"}
		if got := ids(c.Peek("c1")); !equalIDs(got, want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("equal timestamps keep arrival order", func(t *testing.T) {
		c, _ := newTestCache(&fakeChats{}, newFakeMessages(), newFakeClock())
		c.AppendMessage("c1", msgAt("b", "c1", "u2", "", t0))
		c.AppendMessage("c1", msgAt("a", "c1", "u2", "", t0))
		c.AppendMessage("c1", msgAt("c", "c1", "u2", "", t0))

		want := []string{"b", "a", "c"}
		if got := ids(c.Peek("c1")); !equalIDs(got, want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("emits appended event", func(t *testing.T) {
		c, _ := newTestCache(&fakeChats{}, newFakeMessages(), newFakeClock())
		var events []CacheEvent
		c.On(func(ev CacheEvent) { events = append(events, ev) })

		c.AppendMessage("c1", msgAt("m-1", "c1", "u2", "", t0))
		if len(events) != 1 || events[0].Kind != CacheMessageAppended || events[0].MessageID != "m-1" {
			t.Fatalf("unexpected events: %+v", events)
		}
	})
}

// ============================================================================
// ReplaceMessage
// ============================================================================

func TestCacheReplaceMessage(t *testing.T) {
	t.Run("swaps temp id in place", func(t *testing.T) {
		c, _ := newTestCache(&fakeChats{}, newFakeMessages(), newFakeClock())
		pending := msgAt("tmp:123", "c1", "u1", "hi", t0)
		pending.Pending = true
		c.AppendMessage("c1", pending)
		c.AppendMessage("c1", msgAt("m-later", "c1", "u2", "yo", t0.Add(time.Second)))

		if !c.ReplaceMessage("c1", "tmp:123", msgAt("m-987", "c1", "u1", "hi", t0)) {
			t.Fatal("expected temp entry to be found")
		}
		got := c.Peek("c1")
		if !equalIDs(ids(got), []string{"m-987", "m-later"}) {
			t.Fatalf("expected [m-987 m-later], got %v", ids(got))
		}
		if got[0].Pending {
			t.Fatal("expected confirmed message not to be pending")
		}
	})

	t.Run("push copy already present", func(t *testing.T) {
		c, _ := newTestCache(&fakeChats{}, newFakeMessages(), newFakeClock())
		pending := msgAt("tmp:123", "c1", "u1", "hi", t0)
		pending.Pending = true
		c.AppendMessage("c1", pending)
		c.AppendMessage("c1", msgAt("m-987", "c1", "u1", "hi", t0.Add(time.Millisecond)))

		c.ReplaceMessage("c1", "tmp:123", msgAt("m-987", "c1", "u1", "hi", t0.Add(time.Millisecond)))
		if got := ids(c.Peek("c1")); !equalIDs(got, []string{"m-987"}) {
			t.Fatalf("expected only m-987, got %v", got)
		}
	})

	t.Run("temp id gone inserts final", func(t *testing.T) {
		c, _ := newTestCache(&fakeChats{}, newFakeMessages(), newFakeClock())
		if c.ReplaceMessage("c1", "tmp:missing", msgAt("m-1", "", "u1", "hi", t0)) {
			t.Fatal("expected temp id not to be found")
		}
		got := c.Peek("c1")
		if len(got) != 1 || got[0].ID != "m-1" || got[0].ConversationID != "c1" {
			t.Fatalf("unexpected list: %+v", got)
		}
	})
}

// ============================================================================
// Update / Remove
// ============================================================================

func TestCacheUpdateAndRemove(t *testing.T) {
	c, _ := newTestCache(&fakeChats{}, newFakeMessages(), newFakeClock())
	c.AppendMessage("c1", msgAt("m-1", "c1", "u1", "before", t0))

	before, ok := c.UpdateMessage("c1", "m-1", func(m *Message) {
		m.Content = "after"
		m.ID = "hijacked"
	})
	if !ok || before.Content != "before" {
		t.Fatalf("expected previous content, got %+v ok=%v", before, ok)
	}
	got, ok := c.Message("c1", "m-1")
	if !ok || got.Content != "after" {
		t.Fatalf("expected updated content under the same id, got %+v ok=%v", got, ok)
	}

	if _, ok := c.UpdateMessage("c1", "nope", func(*Message) {}); ok {
		t.Fatal("expected update of unknown id to fail")
	}

	removed, ok := c.RemoveMessage("c1", "m-1")
	if !ok || removed.ID != "m-1" {
		t.Fatalf("expected m-1 removed, got %+v", removed)
	}
	if len(c.Peek("c1")) != 0 {
		t.Fatal("expected empty list after remove")
	}
}

// ============================================================================
// Messages (fetch & merge)
// ============================================================================

func TestCacheMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("fetches on miss and honors staleness window", func(t *testing.T) {
		clock := newFakeClock()
		fm := newFakeMessages()
		fm.setList("c1", msgAt("m-1", "c1", "u2", "a", t0))
		c, _ := newTestCache(&fakeChats{}, fm, clock)

		if _, err := c.Messages(ctx, "c1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := c.Messages(ctx, "c1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fm.listCalls() != 1 {
			t.Fatalf("expected 1 fetch within the window, got %d", fm.listCalls())
		}

		clock.Advance(6 * time.Second)
		if _, err := c.Messages(ctx, "c1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if fm.listCalls() != 2 {
			t.Fatalf("expected refetch after window, got %d fetches", fm.listCalls())
		}
	})

	t.Run("failed refresh serves last known good", func(t *testing.T) {
		clock := newFakeClock()
		fm := newFakeMessages()
		fm.setList("c1", msgAt("m-1", "c1", "u2", "a", t0))
		c, _ := newTestCache(&fakeChats{}, fm, clock)
		if _, err := c.Messages(ctx, "c1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		fm.listErr = fmt.Errorf("%w: connection refused", ErrNetwork)
		clock.Advance(time.Minute)
		got, err := c.Messages(ctx, "c1")
		if !errors.Is(err, ErrNetwork) || !IsRetryable(err) {
			t.Fatalf("expected retryable network error, got %v", err)
		}
		if !equalIDs(ids(got), []string{"m-1"}) {
			t.Fatalf("expected cached copy, got %v", ids(got))
		}
	})

	t.Run("confirmed counterpart replaces pending entry", func(t *testing.T) {
		clock := newFakeClock()
		fm := newFakeMessages()
		c, m := newTestCache(&fakeChats{}, fm, clock)

		pending := msgAt("tmp:1", "c1", "u1", "hi", t0)
		pending.Pending = true
		c.AppendMessage("c1", pending)

		fm.setList("c1", msgAt("m-1", "c1", "u1", "hi", t0.Add(200*time.Millisecond)))
		got, err := c.Messages(ctx, "c1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !equalIDs(ids(got), []string{"m-1"}) {
			t.Fatalf("expected [m-1], got %v", ids(got))
		}
		if testutil.ToFloat64(m.PendingSwept) != 1 {
			t.Fatal("expected the pending entry to be counted as swept")
		}
	})

	t.Run("young pending survives, old pending is dropped", func(t *testing.T) {
		clock := newFakeClock()
		fm := newFakeMessages()
		fm.setList("c1", msgAt("m-0", "c1", "u2", "older", t0.Add(-time.Hour)))
		c, _ := newTestCache(&fakeChats{}, fm, clock)

		pending := msgAt("tmp:1", "c1", "u1", "unsent", t0)
		pending.Pending = true
		c.AppendMessage("c1", pending)

		got, _ := c.Messages(ctx, "c1")
		if !equalIDs(ids(got), []string{"m-0", "tmp:1"}) {
			t.Fatalf("expected pending to survive, got %v", ids(got))
		}

		clock.Advance(3 * time.Minute)
		got, _ = c.Messages(ctx, "c1")
		if !equalIDs(ids(got), []string{"m-0"}) {
			t.Fatalf("expected pending to be dropped after ttl, got %v", ids(got))
		}
	})

	t.Run("push during fetch is kept", func(t *testing.T) {
		clock := newFakeClock()
		fm := newFakeMessages()
		fm.setList("c1", msgAt("m-1", "c1", "u2", "a", t0.Add(-time.Second)))
		c, _ := newTestCache(&fakeChats{}, fm, clock)
		fm.onList = func(chatID string) {
			c.AppendMessage(chatID, msgAt("m-push", chatID, "u2", "b", t0))
		}

		got, err := c.Messages(ctx, "c1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !equalIDs(ids(got), []string{"m-1", "m-push"}) {
			t.Fatalf("expected push entry to survive the merge, got %v", ids(got))
		}
	})

	t.Run("server drops a message fetched earlier", func(t *testing.T) {
		clock := newFakeClock()
		fm := newFakeMessages()
		fm.setList("c1", msgAt("m-1", "c1", "u2", "a", t0), msgAt("m-2", "c1", "u2", "b", t0))
		c, _ := newTestCache(&fakeChats{}, fm, clock)
		c.Messages(ctx, "c1")

		clock.Advance(time.Minute)
		fm.setList("c1", msgAt("m-2", "c1", "u2", "b", t0))
		got, _ := c.Messages(ctx, "c1")
		if !equalIDs(ids(got), []string{"m-2"}) {
			t.Fatalf("expected deleted message to disappear, got %v", ids(got))
		}
	})

	t.Run("cancelled caller does not fail a shared fetch", func(t *testing.T) {
		fm := newFakeMessages()
		fm.setList("c1", msgAt("m-1", "c1", "u2", "a", t0))
		c, _ := newTestCache(&fakeChats{}, fm, newFakeClock())

		entered := make(chan struct{})
		release := make(chan struct{})
		fm.onList = func(string) {
			close(entered)
			<-release
		}

		first, cancel := context.WithCancel(ctx)
		firstErr := make(chan error, 1)
		go func() {
			_, err := c.Messages(first, "c1")
			firstErr <- err
		}()
		<-entered

		type result struct {
			msgs []Message
			err  error
		}
		second := make(chan result, 1)
		go func() {
			msgs, err := c.Messages(ctx, "c1")
			second <- result{msgs, err}
		}()
		time.Sleep(50 * time.Millisecond)

		cancel()
		select {
		case err := <-firstErr:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled for the cancelled caller, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("cancelled caller did not return")
		}

		close(release)
		select {
		case res := <-second:
			if res.err != nil {
				t.Fatalf("expected shared fetch to succeed, got %v", res.err)
			}
			if !equalIDs(ids(res.msgs), []string{"m-1"}) {
				t.Fatalf("expected [m-1], got %v", ids(res.msgs))
			}
		case <-time.After(5 * time.Second):
			t.Fatal("second caller did not return")
		}
		if fm.listCalls() != 1 {
			t.Fatalf("expected one coalesced fetch, got %d", fm.listCalls())
		}
	})

	t.Run("invalidate all forces refetch", func(t *testing.T) {
		fm := newFakeMessages()
		c, _ := newTestCache(&fakeChats{}, fm, newFakeClock())
		c.Messages(ctx, "c1")
		c.InvalidateAll()
		c.Messages(ctx, "c1")
		if fm.listCalls() != 2 {
			t.Fatalf("expected 2 fetches, got %d", fm.listCalls())
		}
	})
}

// ============================================================================
// Sweep
// ============================================================================

func TestCacheSweep(t *testing.T) {
	clock := newFakeClock()
	c, m := newTestCache(&fakeChats{}, newFakeMessages(), clock)

	old := msgAt("tmp:old", "c1", "u1", "x", t0)
	old.Pending = true
	c.AppendMessage("c1", old)
	c.AppendMessage("c1", msgAt("m-1", "c1", "u2", "y", t0))

	clock.Advance(time.Minute)
	young := msgAt("tmp:young", "c1", "u1", "z", clock.Now())
	young.Pending = true
	c.AppendMessage("c1", young)

	if n := c.Sweep(30 * time.Second); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if got := ids(c.Peek("c1")); !equalIDs(got, []string{"m-1", "tmp:young"}) {
		t.Fatalf("unexpected list after sweep: %v", got)
	}
	if testutil.ToFloat64(m.PendingSwept) != 1 {
		t.Fatal("expected sweep to be counted")
	}
}

// ============================================================================
// Conversations
// ============================================================================

func TestCacheConversations(t *testing.T) {
	ctx := context.Background()

	t.Run("summary invalidation forces refetch", func(t *testing.T) {
		chats := &fakeChats{convs: []Conversation{{ID: "c1", Participants: []string{"u1", "u2"}, UnreadCount: 2}}}
		c, _ := newTestCache(chats, newFakeMessages(), newFakeClock())

		if _, err := c.Conversations(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		c.Conversations(ctx)
		if chats.listCalls() != 1 {
			t.Fatalf("expected cached summary, got %d fetches", chats.listCalls())
		}

		c.InvalidateConversationsSummary()
		got, _ := c.Conversations(ctx)
		if chats.listCalls() != 2 {
			t.Fatalf("expected refetch after invalidation, got %d fetches", chats.listCalls())
		}
		if len(got) != 1 || got[0].UnreadCount != 2 {
			t.Fatalf("unexpected summary: %+v", got)
		}
	})

	t.Run("unread stale flag clears on refetch", func(t *testing.T) {
		chats := &fakeChats{convs: []Conversation{{ID: "c1"}}}
		c, _ := newTestCache(chats, newFakeMessages(), newFakeClock())
		c.Conversations(ctx)

		c.MarkUnreadStale("c1")
		if !c.UnreadStale("c1") {
			t.Fatal("expected c1 unread to be stale")
		}
		c.Conversations(ctx)
		if c.UnreadStale("c1") {
			t.Fatal("expected stale flag to clear after refetch")
		}
	})

	t.Run("mark read zeroes unread and flags messages", func(t *testing.T) {
		chats := &fakeChats{convs: []Conversation{{ID: "c1", UnreadCount: 3}}}
		c, _ := newTestCache(chats, newFakeMessages(), newFakeClock())
		c.Conversations(ctx)
		c.AppendMessage("c1", msgAt("m-1", "c1", "u2", "a", t0))

		if prev := c.MarkConversationRead("c1"); prev != 3 {
			t.Fatalf("expected previous unread 3, got %d", prev)
		}
		conv, _ := c.Conversation(ctx, "c1")
		if conv.UnreadCount != 0 {
			t.Fatalf("expected unread 0, got %d", conv.UnreadCount)
		}
		if got, _ := c.Message("c1", "m-1"); !got.Read {
			t.Fatal("expected message marked read")
		}
	})

	t.Run("remove conversation cascades", func(t *testing.T) {
		chats := &fakeChats{convs: []Conversation{{ID: "c1"}, {ID: "c2"}}}
		c, _ := newTestCache(chats, newFakeMessages(), newFakeClock())
		c.Conversations(ctx)
		c.AppendMessage("c1", msgAt("m-1", "c1", "u2", "a", t0))

		c.RemoveConversation("c1")
		if len(c.Peek("c1")) != 0 {
			t.Fatal("expected messages of removed conversation to be gone")
		}
		got, _ := c.Conversations(ctx)
		if len(got) != 1 || got[0].ID != "c2" {
			t.Fatalf("expected only c2, got %+v", got)
		}
	})

	t.Run("unknown conversation is fetched", func(t *testing.T) {
		chats := &fakeChats{convs: []Conversation{{ID: "c9"}}}
		c, _ := newTestCache(chats, newFakeMessages(), newFakeClock())
		conv, err := c.Conversation(ctx, "c9")
		if err != nil || conv.ID != "c9" {
			t.Fatalf("expected c9, got %+v err=%v", conv, err)
		}
		if _, err := c.Conversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
