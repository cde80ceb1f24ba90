package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kinshipapp/kinchat/internal/wire"
)

func TestJoinRejectsInvalidChannelID(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	for _, id := range []int64{0, -1} {
		if err := h.sess.Join(context.Background(), id, 1); !errors.Is(err, ErrInvalidChannel) {
			t.Errorf("Join(%d) = %v, want ErrInvalidChannel", id, err)
		}
	}
	if len(h.sock.sent(wire.EventChannelJoin)) != 0 {
		t.Error("join request emitted for invalid channel id")
	}
	if h.store.Err() == "" {
		t.Error("invalid channel id not surfaced in store")
	}
}

func TestJoinLoadsFirstPage(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.join(t, 10, []wire.Message{
		testMsg(1, 10, 1000, false),
		testMsg(2, 10, 2000, true),
	}, wire.Pagination{CurrentPage: 1, LastPage: 3})

	snap := h.store.Snapshot()
	if snap.Current == nil || snap.Current.ID.Int() != 10 {
		t.Fatal("current channel not set")
	}
	if snap.Current.Name != "family" {
		t.Errorf("channel name = %q, want server metadata", snap.Current.Name)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(snap.Messages))
	}
	if snap.Loading {
		t.Error("loading flag stuck after join")
	}
	if snap.Pagination.CurrentPage != 1 || snap.Pagination.LastPage != 3 {
		t.Errorf("pagination = %+v", snap.Pagination)
	}

	// Incoming messages are read the moment they become visible.
	if snap.Messages[0].ReadAt == 0 {
		t.Error("incoming message not marked read on join")
	}

	// Pending receipts for the channel are flushed fire-and-forget.
	if len(h.sock.sent(wire.EventReceiptDelivered)) != 1 {
		t.Error("delivered receipt not flushed")
	}
	if len(h.sock.sent(wire.EventReceiptRead)) != 1 {
		t.Error("read receipt not flushed")
	}
}

func TestJoinConnectsWhenDisconnected(t *testing.T) {
	h := newHarness(t)
	h.sock.setReply(wire.EventChannelJoin, wire.JoinResult{
		Channel:    wire.Channel{ID: 10, Name: "family"},
		Pagination: wire.Pagination{CurrentPage: 1, LastPage: 1},
	})

	if err := h.sess.Join(context.Background(), 10, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	if h.conn.State() != StateConnected {
		t.Errorf("state = %s, want %s", h.conn.State(), StateConnected)
	}
}

func TestJoinServerRejection(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.sock.setError(wire.EventChannelJoin, "not a member")

	err := h.sess.Join(context.Background(), 10, 1)
	if err == nil {
		t.Fatal("expected join error")
	}
	if h.store.Loading() {
		t.Error("loading flag stuck after rejected join")
	}
	if h.store.Err() == "" {
		t.Error("rejection not surfaced in store")
	}
}

func TestLoadMorePrependsOlderPage(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.join(t, 10, []wire.Message{
		testMsg(3, 10, 3000, false),
		testMsg(4, 10, 4000, false),
	}, wire.Pagination{CurrentPage: 1, LastPage: 2})

	h.sock.setReply(wire.EventMessagePage, wire.PageResult{
		ChannelID: 10,
		Messages: []wire.Message{
			testMsg(1, 10, 1000, false),
			testMsg(2, 10, 2000, false),
		},
		Pagination: wire.Pagination{CurrentPage: 2, LastPage: 2},
	})
	if err := h.sess.LoadMore(context.Background(), 10, 2); err != nil {
		t.Fatalf("load more: %v", err)
	}

	snap := h.store.Snapshot()
	want := []int64{1, 2, 3, 4}
	if len(snap.Messages) != len(want) {
		t.Fatalf("messages = %d, want %d", len(snap.Messages), len(want))
	}
	for i, id := range want {
		if snap.Messages[i].ID.Int() != id {
			t.Fatalf("message[%d] = %d, want %d", i, snap.Messages[i].ID.Int(), id)
		}
	}
	if snap.LoadingMore {
		t.Error("loadingMore flag stuck")
	}
	if snap.Pagination.CurrentPage != 2 {
		t.Errorf("currentPage = %d, want 2", snap.Pagination.CurrentPage)
	}

	// Last page reached: further loads are no-ops with no traffic.
	before := len(h.sock.sent(wire.EventMessagePage))
	if err := h.sess.LoadMore(context.Background(), 10, 3); err != nil {
		t.Fatalf("load more past end: %v", err)
	}
	if got := len(h.sock.sent(wire.EventMessagePage)); got != before {
		t.Errorf("page requests = %d, want %d", got, before)
	}
}

func TestLoadMoreDropsStalePageAfterSwitch(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.join(t, 10, []wire.Message{testMsg(3, 10, 3000, false)}, wire.Pagination{CurrentPage: 1, LastPage: 3})

	// The page resolves for a channel the user already switched away
	// from; it must not leak into the open window.
	h.sock.setReply(wire.EventMessagePage, wire.PageResult{
		ChannelID:  42,
		Messages:   []wire.Message{testMsg(99, 42, 500, false)},
		Pagination: wire.Pagination{CurrentPage: 2, LastPage: 3},
	})
	if err := h.sess.LoadMore(context.Background(), 42, 2); err != nil {
		t.Fatalf("load more: %v", err)
	}

	snap := h.store.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].ID.Int() != 3 {
		t.Errorf("messages = %+v, stale page leaked into open window", snap.Messages)
	}
	if snap.Pagination.CurrentPage != 1 {
		t.Errorf("currentPage = %d, cursor overwritten by stale page", snap.Pagination.CurrentPage)
	}
	if snap.LoadingMore {
		t.Error("loadingMore flag stuck")
	}
}

func TestLeaveRequiresConnection(t *testing.T) {
	h := newHarness(t)

	if err := h.sess.Leave(context.Background(), 10); !errors.Is(err, ErrNotConnected) {
		t.Errorf("leave err = %v, want ErrNotConnected", err)
	}
}

func TestLeaveRemovesChannel(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.join(t, 10, nil, wire.Pagination{CurrentPage: 1, LastPage: 1})
	h.sock.setReply(wire.EventChannelLeave, nil)

	if err := h.sess.Leave(context.Background(), 10); err != nil {
		t.Fatalf("leave: %v", err)
	}

	snap := h.store.Snapshot()
	if len(snap.Channels) != 0 {
		t.Errorf("channels = %d, want 0", len(snap.Channels))
	}
	if snap.Current != nil {
		t.Error("current channel survived leave")
	}
}

func TestSwitchToUnsubscribesPrevious(t *testing.T) {
	h := newHarness(t)
	h.sock.setReply(wire.EventChannelList, []wire.Channel{{ID: 10, Name: "family"}, {ID: 11, Name: "cousins"}})
	h.connect(t)
	h.join(t, 10, nil, wire.Pagination{CurrentPage: 1, LastPage: 1})

	h.sock.setReply(wire.EventChannelJoin, wire.JoinResult{
		Channel:    wire.Channel{ID: 11, Name: "cousins"},
		Pagination: wire.Pagination{CurrentPage: 1, LastPage: 1},
	})
	if err := h.sess.SwitchTo(context.Background(), 11); err != nil {
		t.Fatalf("switch: %v", err)
	}

	// The previous channel got a fire-and-forget unsubscribe but stays
	// in the list; only Leave removes it.
	leaves := h.sock.sent(wire.EventChannelLeave)
	if len(leaves) != 1 || leaves[0].Ref != "" {
		t.Fatalf("leave frames = %+v, want one without a ref", leaves)
	}
	var req wire.LeaveRequest
	if err := json.Unmarshal(leaves[0].Data, &req); err != nil {
		t.Fatal(err)
	}
	if req.ChannelID != 10 {
		t.Errorf("unsubscribed channel = %d, want 10", req.ChannelID)
	}

	snap := h.store.Snapshot()
	if len(snap.Channels) != 2 {
		t.Errorf("channels = %d, want 2", len(snap.Channels))
	}
	if snap.Current == nil || snap.Current.ID.Int() != 11 {
		t.Error("current channel not switched")
	}
}

func TestSwitchToSameChannelSkipsUnsubscribe(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.join(t, 10, nil, wire.Pagination{CurrentPage: 1, LastPage: 1})

	if err := h.sess.SwitchTo(context.Background(), 10); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if got := len(h.sock.sent(wire.EventChannelLeave)); got != 0 {
		t.Errorf("leave frames = %d, want 0", got)
	}
}

func TestTypingStartIsRateLimited(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.join(t, 10, nil, wire.Pagination{CurrentPage: 1, LastPage: 1})

	// A keystroke burst produces exactly one start on the wire.
	h.sess.Typing()
	h.sess.Typing()
	h.sess.Typing()

	if got := len(h.sock.sent(wire.EventTypingStart)); got != 1 {
		t.Errorf("typing starts = %d, want 1", got)
	}

	// Once keystrokes cease the idle timer emits the stop.
	waitFor(t, "typing stop", func() bool {
		return len(h.sock.sent(wire.EventTypingStop)) == 1
	})
}

func TestTypingStartNotThrottledAcrossSwitch(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.join(t, 10, nil, wire.Pagination{CurrentPage: 1, LastPage: 1})

	h.sess.Typing()

	h.sock.setReply(wire.EventChannelJoin, wire.JoinResult{
		Channel:    wire.Channel{ID: 11, Name: "cousins"},
		Pagination: wire.Pagination{CurrentPage: 1, LastPage: 1},
	})
	if err := h.sess.SwitchTo(context.Background(), 11); err != nil {
		t.Fatalf("switch: %v", err)
	}

	// The throttle is re-armed per join; the first keystroke in the new
	// channel must reach the wire.
	h.sess.Typing()

	starts := h.sock.sent(wire.EventTypingStart)
	if len(starts) != 2 {
		t.Fatalf("typing starts = %d, want one per channel", len(starts))
	}
	var req wire.TypingRequest
	if err := json.Unmarshal(starts[1].Data, &req); err != nil {
		t.Fatal(err)
	}
	if req.ChannelID != 11 {
		t.Errorf("second start for channel %d, want 11", req.ChannelID)
	}
}

func TestStopTypingEmitsImmediately(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.join(t, 10, nil, wire.Pagination{CurrentPage: 1, LastPage: 1})

	h.sess.Typing()
	h.sess.StopTyping()

	if got := len(h.sock.sent(wire.EventTypingStop)); got != 1 {
		t.Errorf("typing stops = %d, want 1", got)
	}
}

func TestCancelTypingEmitsNothing(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.join(t, 10, nil, wire.Pagination{CurrentPage: 1, LastPage: 1})

	h.sess.Typing()
	h.sess.CancelTyping()

	time.Sleep(2 * h.cfg.TypingIdle.Std())
	if got := len(h.sock.sent(wire.EventTypingStop)); got != 0 {
		t.Errorf("typing stops = %d, want 0", got)
	}
}

func TestTypingIgnoredWithoutChannel(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.sess.Typing()
	if got := len(h.sock.sent(wire.EventTypingStart)); got != 0 {
		t.Errorf("typing starts = %d, want 0", got)
	}
}

func TestMarkReadFlushesReceipt(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.join(t, 10, []wire.Message{testMsg(1, 10, 1000, false)}, wire.Pagination{CurrentPage: 1, LastPage: 1})
	before := len(h.sock.sent(wire.EventReceiptRead))

	h.sess.MarkRead(10)

	if got := len(h.sock.sent(wire.EventReceiptRead)); got != before+1 {
		t.Errorf("read receipts = %d, want %d", got, before+1)
	}
	snap := h.store.Snapshot()
	if snap.Messages[0].ReadAt == 0 {
		t.Error("incoming message not marked read")
	}
}
