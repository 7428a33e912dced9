package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mcamargo/chatsync/internal/backend"
	"github.com/mcamargo/chatsync/internal/bus"
	"github.com/mcamargo/chatsync/internal/config"
	"github.com/mcamargo/chatsync/internal/store"
)

// fakeClient serves pages from an in-memory per-chat log and records
// calls so tests can assert on exact interaction counts.
type fakeClient struct {
	mu sync.Mutex

	logs map[string][]*store.Message

	fetchErrs     []error // consumed per FetchPage call before serving
	sendErrs      []error // consumed per SendMessage call
	fetchCalls    int
	sendCalls     int
	markReadCalls int
	markReadSeqs  []int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{logs: make(map[string][]*store.Message)}
}

func (f *fakeClient) addServerMessage(chatID, msgID string, seq int64, sender, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[chatID] = append(f.logs[chatID], &store.Message{
		ChatID:    chatID,
		MsgID:     msgID,
		Seq:       seq,
		SenderID:  sender,
		Body:      body,
		Kind:      "text",
		Status:    store.StatusSent,
		CreatedAt: seq * 1000,
	})
	sort.Slice(f.logs[chatID], func(i, j int) bool {
		return f.logs[chatID][i].Seq < f.logs[chatID][j].Seq
	})
}

func (f *fakeClient) ListChats(context.Context) ([]backend.ChatSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []backend.ChatSummary
	for id := range f.logs {
		out = append(out, backend.ChatSummary{ID: id, Kind: store.ChatPrivate, UpdatedAt: 1})
	}
	return out, nil
}

func (f *fakeClient) FetchPage(_ context.Context, chatID string, q backend.PageQuery) (backend.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		if err != nil {
			return backend.Page{}, err
		}
	}

	log := f.logs[chatID]
	var window []*store.Message
	switch {
	case q.After > 0:
		for _, m := range log {
			if m.Seq > q.After {
				window = append(window, m)
			}
		}
		if q.Limit > 0 && len(window) > q.Limit {
			return backend.Page{Messages: copyMsgs(window[:q.Limit]), HasMore: true}, nil
		}
		return backend.Page{Messages: copyMsgs(window)}, nil
	case q.Before > 0:
		for _, m := range log {
			if m.Seq < q.Before {
				window = append(window, m)
			}
		}
	default:
		window = log
	}
	// Newest slice of the window.
	hasMore := false
	if q.Limit > 0 && len(window) > q.Limit {
		window = window[len(window)-q.Limit:]
		hasMore = true
	}
	return backend.Page{Messages: copyMsgs(window), HasMore: hasMore}, nil
}

func copyMsgs(in []*store.Message) []*store.Message {
	out := make([]*store.Message, len(in))
	for i, m := range in {
		c := *m
		out[i] = &c
	}
	return out
}

func (f *fakeClient) SendMessage(_ context.Context, chatID, body, clientNonce, _ string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	// Idempotent: a nonce the server has seen returns the original.
	for _, m := range f.logs[chatID] {
		if m.ClientNonce == clientNonce {
			c := *m
			return &c, nil
		}
	}
	var next int64 = 1
	if n := len(f.logs[chatID]); n > 0 {
		next = f.logs[chatID][n-1].Seq + 1
	}
	m := &store.Message{
		ChatID:      chatID,
		MsgID:       fmt.Sprintf("srv-%d", next),
		ClientNonce: clientNonce,
		Seq:         next,
		SenderID:    "u-me",
		Body:        body,
		Kind:        "text",
		FromMe:      true,
		Status:      store.StatusSent,
		CreatedAt:   next * 1000,
	}
	f.logs[chatID] = append(f.logs[chatID], m)
	c := *m
	return &c, nil
}

func (f *fakeClient) MarkRead(_ context.Context, _ string, upToSeq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls++
	f.markReadSeqs = append(f.markReadSeqs, upToSeq)
	return nil
}

func (f *fakeClient) EditMessage(context.Context, string, string, string) error { return nil }
func (f *fakeClient) DeleteMessage(context.Context, string, string) error       { return nil }
func (f *fakeClient) SetPinned(context.Context, string, string, bool) error     { return nil }

func (f *fakeClient) React(context.Context, string, string, string, bool) error {
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig() config.Sync {
	return config.Sync{
		PageSize:      5,
		SendAttempts:  3,
		FetchAttempts: 3,
		BackoffBaseMs: 1,
		BackoffMaxMs:  5,
		ResyncPageCap: 10,
		GapThreshold:  100,
	}
}

func testEngine(t *testing.T, fc *fakeClient) (*Engine, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	return New(db, fc, b, logger, testConfig(), "u-me"), db, b
}

func transientErr() error {
	return backend.Wrap(backend.ClassTransient, "test", errors.New("boom"))
}

func conflictErr() error {
	return backend.Wrap(backend.ClassConflict, "test", errors.New("sequence diverged"))
}

func TestOpenChatLoadsNewestPage(t *testing.T) {
	fc := newFakeClient()
	for i := int64(1); i <= 8; i++ {
		fc.addServerMessage("c1", fmt.Sprintf("m%d", i), i, "u-other", "hi")
	}
	e, db, _ := testEngine(t, fc)

	if err := e.OpenChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	if st := e.session("c1").Current(); st != Live {
		t.Errorf("state = %s, want LIVE", st)
	}
	msgs, _ := db.ListMessages("c1", 0, 50)
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want page of 5", len(msgs))
	}
	if msgs[0].Seq != 4 || msgs[4].Seq != 8 {
		t.Errorf("page = seqs %d..%d, want 4..8", msgs[0].Seq, msgs[4].Seq)
	}

	chat, _ := db.GetChat("c1")
	if chat.OldestComplete {
		t.Error("OldestComplete = true with older history still on the server")
	}
}

func TestOpenChatMarksReadOnce(t *testing.T) {
	fc := newFakeClient()
	for i := int64(1); i <= 5; i++ {
		fc.addServerMessage("c1", fmt.Sprintf("m%d", i), i, "u-other", "hi")
	}
	e, db, _ := testEngine(t, fc)

	// Simulate unread accumulated before the chat was opened.
	if err := db.EnsureChat("c1", store.ChatPrivate); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := db.BumpLastMessage("c1", "m5", 5, 5000, true); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.OpenChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	chat, _ := db.GetChat("c1")
	if chat.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", chat.UnreadCount)
	}
	if fc.markReadCalls != 1 {
		t.Errorf("MarkRead calls = %d, want exactly 1", fc.markReadCalls)
	}
	if len(fc.markReadSeqs) != 1 || fc.markReadSeqs[0] != 5 {
		t.Errorf("MarkRead seqs = %v, want [5]", fc.markReadSeqs)
	}
}

func TestOpenChatDegradedAfterRetries(t *testing.T) {
	fc := newFakeClient()
	fc.fetchErrs = []error{transientErr(), transientErr(), transientErr()}
	e, _, _ := testEngine(t, fc)

	if err := e.OpenChat(context.Background(), "c1"); err == nil {
		t.Fatal("want error after exhausted retries")
	}
	if st := e.session("c1").Current(); st != Degraded {
		t.Errorf("state = %s, want DEGRADED", st)
	}
	if fc.fetchCalls != 3 {
		t.Errorf("fetch calls = %d, want 3", fc.fetchCalls)
	}
}

func TestOpenChatRejectedFailsFast(t *testing.T) {
	fc := newFakeClient()
	fc.fetchErrs = []error{backend.Wrap(backend.ClassRejected, "test", backend.ErrNotFound)}
	e, _, _ := testEngine(t, fc)

	if err := e.OpenChat(context.Background(), "c1"); err == nil {
		t.Fatal("want error")
	}
	if fc.fetchCalls != 1 {
		t.Errorf("fetch calls = %d, want 1 (no retry on rejection)", fc.fetchCalls)
	}
}

func TestSendQueuesOptimistically(t *testing.T) {
	fc := newFakeClient()
	e, db, _ := testEngine(t, fc)

	nonce, err := e.Send("c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if nonce == "" {
		t.Fatal("empty nonce")
	}

	msgs, _ := db.ListMessages("c1", 0, 50)
	if len(msgs) != 1 || msgs[0].Status != store.StatusPending {
		t.Fatalf("timeline = %+v, want one pending message", msgs)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 || pending[0].ClientNonce != nonce {
		t.Fatalf("outbox = %+v, want queued entry for %s", pending, nonce)
	}
	if fc.sendCalls != 0 {
		t.Error("Send must not contact the backend")
	}
}

func TestLoadOlderStopsAtCompleteHistory(t *testing.T) {
	fc := newFakeClient()
	for i := int64(1); i <= 7; i++ {
		fc.addServerMessage("c1", fmt.Sprintf("m%d", i), i, "u-other", "hi")
	}
	e, db, _ := testEngine(t, fc)

	if err := e.OpenChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if err := e.LoadOlder(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("c1", 0, 50)
	if len(msgs) != 7 {
		t.Fatalf("got %d messages, want full history of 7", len(msgs))
	}
	chat, _ := db.GetChat("c1")
	if !chat.OldestComplete {
		t.Fatal("OldestComplete not recorded after reaching the start")
	}

	calls := fc.fetchCalls
	if err := e.LoadOlder(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if fc.fetchCalls != calls {
		t.Error("LoadOlder fetched past the known start of history")
	}
}

func TestPushedMessageIncrementsUnreadWhenInactive(t *testing.T) {
	fc := newFakeClient()
	e, db, _ := testEngine(t, fc)

	e.ingestPushed(context.Background(), &store.Message{
		ChatID: "c1", MsgID: "m1", Seq: 1, SenderID: "u-other",
		Body: "hi", Kind: "text", Status: store.StatusSent, CreatedAt: 1000,
	})

	chat, _ := db.GetChat("c1")
	if chat.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", chat.UnreadCount)
	}
}

func TestDuplicatePushCountedOnce(t *testing.T) {
	fc := newFakeClient()
	e, db, _ := testEngine(t, fc)

	m := store.Message{
		ChatID: "c1", MsgID: "m1", Seq: 1, SenderID: "u-other",
		Body: "hi", Kind: "text", Status: store.StatusSent, CreatedAt: 1000,
	}
	// Push delivery is at-least-once: the same message can arrive twice.
	e.ingestPushed(context.Background(), &m)
	e.ingestPushed(context.Background(), &m)

	chat, _ := db.GetChat("c1")
	if chat.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1 after duplicate delivery", chat.UnreadCount)
	}
	msgs, _ := db.ListMessages("c1", 0, 50)
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}

func TestLatePushKeepsNewestLastMessage(t *testing.T) {
	fc := newFakeClient()
	e, db, _ := testEngine(t, fc)

	e.ingestPushed(context.Background(), &store.Message{
		ChatID: "c1", MsgID: "m2", Seq: 2, SenderID: "u-other",
		Body: "second", Kind: "text", Status: store.StatusSent, CreatedAt: 2000,
	})
	// An older message arriving late still counts as unread but must
	// not take over the directory back-reference.
	e.ingestPushed(context.Background(), &store.Message{
		ChatID: "c1", MsgID: "m1", Seq: 1, SenderID: "u-other",
		Body: "first", Kind: "text", Status: store.StatusSent, CreatedAt: 1000,
	})

	chat, _ := db.GetChat("c1")
	if chat.LastMsgID != "m2" {
		t.Errorf("LastMsgID = %q, want m2", chat.LastMsgID)
	}
	if chat.UnreadCount != 2 {
		t.Errorf("UnreadCount = %d, want 2", chat.UnreadCount)
	}
}

func TestPushedMessageReadWhenChatActive(t *testing.T) {
	fc := newFakeClient()
	fc.addServerMessage("c1", "m1", 1, "u-other", "hi")
	e, db, _ := testEngine(t, fc)

	if err := e.OpenChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	reads := fc.markReadCalls

	e.ingestPushed(context.Background(), &store.Message{
		ChatID: "c1", MsgID: "m2", Seq: 2, SenderID: "u-other",
		Body: "hi again", Kind: "text", Status: store.StatusSent, CreatedAt: 2000,
	})

	chat, _ := db.GetChat("c1")
	if chat.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0 for the active chat", chat.UnreadCount)
	}
	if fc.markReadCalls != reads+1 {
		t.Errorf("MarkRead calls = %d, want %d", fc.markReadCalls, reads+1)
	}
	m, _ := db.GetMessage("c1", "m2")
	if m.Status != store.StatusRead {
		t.Errorf("status = %q, want read", m.Status)
	}
}

func TestPushedGapIsFilled(t *testing.T) {
	fc := newFakeClient()
	for i := int64(1); i <= 6; i++ {
		fc.addServerMessage("c1", fmt.Sprintf("m%d", i), i, "u-other", "hi")
	}
	e, db, _ := testEngine(t, fc)

	// Local state knows only seq 1; a push jumps to seq 6.
	if _, _, err := db.Confirm(&store.Message{
		ChatID: "c1", MsgID: "m1", Seq: 1, SenderID: "u-other",
		Body: "hi", Kind: "text", Status: store.StatusSent, CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	e.ingestPushed(context.Background(), &store.Message{
		ChatID: "c1", MsgID: "m6", Seq: 6, SenderID: "u-other",
		Body: "hi", Kind: "text", Status: store.StatusSent, CreatedAt: 6000,
	})

	gaps, _ := db.Gaps("c1")
	if len(gaps) != 0 {
		t.Errorf("gaps = %+v, want none after fill", gaps)
	}
	msgs, _ := db.ListMessages("c1", 0, 50)
	if len(msgs) != 6 {
		t.Errorf("got %d messages, want 6", len(msgs))
	}
}

func TestConflictReloadsTimeline(t *testing.T) {
	fc := newFakeClient()
	for i := int64(1); i <= 3; i++ {
		fc.addServerMessage("c1", fmt.Sprintf("m%d", i), i, "u-other", "hi")
	}
	e, db, _ := testEngine(t, fc)

	// Local history diverged from the server's sequence view.
	if err := db.EnsureChat("c1", store.ChatPrivate); err != nil {
		t.Fatal(err)
	}
	for i := int64(5); i <= 6; i++ {
		if _, _, err := db.Confirm(&store.Message{
			ChatID: "c1", MsgID: fmt.Sprintf("x%d", i), Seq: i, SenderID: "u-other",
			Body: "stale", Kind: "text", Status: store.StatusSent, CreatedAt: i * 1000,
		}); err != nil {
			t.Fatal(err)
		}
	}

	fc.fetchErrs = []error{conflictErr()}
	if err := e.LoadOlder(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("c1", 0, 50)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages after reload, want 3", len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("m%d", i+1); m.MsgID != want {
			t.Errorf("msgs[%d] = %q, want %q", i, m.MsgID, want)
		}
	}
	gaps, _ := db.Gaps("c1")
	if len(gaps) != 0 {
		t.Errorf("gaps = %+v, want none after reload", gaps)
	}
	cur, _ := db.Cursor("c1")
	if cur != 3 {
		t.Errorf("cursor = %d, want 3", cur)
	}
}

func TestResyncDeliversOfflineBacklogOnce(t *testing.T) {
	fc := newFakeClient()
	for i := int64(1); i <= 3; i++ {
		fc.addServerMessage("c1", fmt.Sprintf("m%d", i), i, "u-other", "hi")
	}
	e, db, _ := testEngine(t, fc)

	if err := e.OpenChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	// Three messages arrive server-side while the connection is down.
	e.handleConn(context.Background(), bus.Event{Kind: "conn.disconnected"})
	for i := int64(4); i <= 6; i++ {
		fc.addServerMessage("c1", fmt.Sprintf("m%d", i), i, "u-other", "offline")
	}
	if st := e.session("c1").Current(); st != Degraded {
		t.Fatalf("state = %s, want DEGRADED while offline", st)
	}

	e.handleConn(context.Background(), bus.Event{Kind: "conn.connected"})

	if st := e.session("c1").Current(); st != Live {
		t.Errorf("state = %s, want LIVE after resync", st)
	}
	msgs, _ := db.ListMessages("c1", 0, 50)
	if len(msgs) != 6 {
		t.Fatalf("got %d messages, want 6", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Errorf("position %d has seq %d, want %d", i, m.Seq, i+1)
		}
	}

	// A second reconnect with nothing new must not duplicate anything.
	e.handleConn(context.Background(), bus.Event{Kind: "conn.disconnected"})
	e.handleConn(context.Background(), bus.Event{Kind: "conn.connected"})
	msgs, _ = db.ListMessages("c1", 0, 50)
	if len(msgs) != 6 {
		t.Errorf("got %d messages after idle resync, want 6", len(msgs))
	}
}

func TestStatusReportUpgradesMessage(t *testing.T) {
	fc := newFakeClient()
	e, db, _ := testEngine(t, fc)

	if _, _, err := db.Confirm(&store.Message{
		ChatID: "c1", MsgID: "m1", Seq: 1, SenderID: "u-me", FromMe: true,
		Body: "hi", Kind: "text", Status: store.StatusSent, CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	e.applyStatus(backend.StatusReport{ChatID: "c1", MsgID: "m1", UserID: "u-other", Rank: store.RankRead})
	// Regression attempts are dropped.
	e.applyStatus(backend.StatusReport{ChatID: "c1", MsgID: "m1", UserID: "u-other", Rank: store.RankDelivered})

	m, _ := db.GetMessage("c1", "m1")
	if m.Status != store.StatusRead {
		t.Errorf("status = %q, want read", m.Status)
	}
}

func TestSenderConfirmsAck(t *testing.T) {
	fc := newFakeClient()
	e, db, b := testEngine(t, fc)
	logger, _ := zap.NewDevelopment()
	s := NewSender(db, fc, b, logger, testConfig(), nil)

	nonce, err := e.Send("c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	msgs, _ := db.ListMessages("c1", 0, 50)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly 1 after ack", len(msgs))
	}
	if !msgs[0].Confirmed() || msgs[0].Status != store.StatusSent {
		t.Errorf("message = %+v, want confirmed sent", msgs[0])
	}
	if msgs[0].ClientNonce != nonce {
		t.Errorf("nonce = %q, want %q", msgs[0].ClientNonce, nonce)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("outbox still has %d entries", len(pending))
	}
}

func TestSenderRetriesTransientThenSucceeds(t *testing.T) {
	fc := newFakeClient()
	fc.sendErrs = []error{transientErr()}
	e, db, b := testEngine(t, fc)
	logger, _ := zap.NewDevelopment()
	s := NewSender(db, fc, b, logger, testConfig(), nil)

	if _, err := e.Send("c1", "hello"); err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())
	s.processPending(context.Background())

	if fc.sendCalls != 2 {
		t.Errorf("send calls = %d, want 2", fc.sendCalls)
	}
	msgs, _ := db.ListMessages("c1", 0, 50)
	if len(msgs) != 1 || !msgs[0].Confirmed() {
		t.Fatalf("timeline = %+v, want one confirmed message", msgs)
	}
}

func TestSenderMarksFailedAfterBudget(t *testing.T) {
	fc := newFakeClient()
	fc.sendErrs = []error{transientErr(), transientErr(), transientErr()}
	e, db, b := testEngine(t, fc)
	logger, _ := zap.NewDevelopment()
	s := NewSender(db, fc, b, logger, testConfig(), nil)

	nonce, err := e.Send("c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		s.processPending(context.Background())
	}

	msgs, _ := db.ListMessages("c1", 0, 50)
	if len(msgs) != 1 || msgs[0].Status != store.StatusFailed {
		t.Fatalf("timeline = %+v, want one failed message", msgs)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("failed entry still queued: %+v", pending)
	}

	// Retry restores the pending state and resends under the same nonce.
	if err := e.RetrySend(nonce); err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())
	msgs, _ = db.ListMessages("c1", 0, 50)
	if len(msgs) != 1 || !msgs[0].Confirmed() {
		t.Fatalf("timeline = %+v, want one confirmed message after retry", msgs)
	}
}

func TestSenderRetryAfterLostAckDoesNotDuplicate(t *testing.T) {
	fc := newFakeClient()
	e, db, b := testEngine(t, fc)
	logger, _ := zap.NewDevelopment()
	s := NewSender(db, fc, b, logger, testConfig(), nil)

	nonce, err := e.Send("c1", "hello")
	if err != nil {
		t.Fatal(err)
	}

	// First attempt reaches the server but the response is lost: the
	// server has the message, the client still thinks it is queued.
	if _, err := fc.SendMessage(context.Background(), "c1", "hello", nonce, ""); err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	msgs, _ := db.ListMessages("c1", 0, 50)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent resend)", len(msgs))
	}
	f := fc.logs["c1"]
	if len(f) != 1 {
		t.Fatalf("server has %d messages, want 1", len(f))
	}
}

func TestSenderHoldsDegradedChats(t *testing.T) {
	fc := newFakeClient()
	fc.fetchErrs = []error{transientErr(), transientErr(), transientErr()}
	e, db, b := testEngine(t, fc)
	logger, _ := zap.NewDevelopment()
	s := NewSender(db, fc, b, logger, testConfig(), e.HoldSends)

	// Failed open leaves the chat degraded.
	if err := e.OpenChat(context.Background(), "c1"); err == nil {
		t.Fatal("want open failure")
	}
	if _, err := e.Send("c1", "hello"); err != nil {
		t.Fatal(err)
	}

	s.processPending(context.Background())
	if fc.sendCalls != 0 {
		t.Fatalf("send calls = %d, want 0 while degraded", fc.sendCalls)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 {
		t.Fatalf("outbox = %+v, want held entry still queued", pending)
	}

	// Reconnect recovers the session and a later pass delivers it.
	e.handleConn(context.Background(), bus.Event{Kind: "conn.connected"})
	s.processPending(context.Background())
	if fc.sendCalls == 0 {
		t.Error("send not attempted after recovery")
	}
}

func TestSenderStartDrainsQueue(t *testing.T) {
	fc := newFakeClient()
	e, db, b := testEngine(t, fc)
	logger, _ := zap.NewDevelopment()
	cfg := testConfig()
	cfg.OutboxIntervalMs = 10
	s := NewSender(db, fc, b, logger, cfg, nil)

	ch, unsub := b.Subscribe("message.send_ack", 10)
	defer unsub()

	if _, err := e.Send("c1", "hello"); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send ack")
	}
}
