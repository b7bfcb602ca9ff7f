package changefeed

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

/* -------------------------------------------------------------------------- */
/* Scripted fake change stream                                                */
/* -------------------------------------------------------------------------- */

// step is one server batch (events + optional post-batch token), a failure,
// or the server closing the cursor.
type step struct {
	events [][]byte
	post   bson.Raw
	err    error
	dead   bool
}

type fakeStream struct {
	steps  []step
	next   int
	batch  [][]byte
	post   bson.Raw
	pos    int
	cur    []byte
	token  bson.Raw
	err    error
	dead   bool
	polls  atomic.Int64
	closed atomic.Bool
}

func (s *fakeStream) TryNext(ctx context.Context) bool {
	s.polls.Add(1)
	if s.err != nil || s.dead {
		// The driver returns at once, with no error, once the cursor is gone.
		return false
	}
	for {
		if s.pos < len(s.batch) {
			s.cur = s.batch[s.pos]
			s.pos++
			s.token = bson.Raw(s.cur).Lookup("_id").Document()
			if s.pos == len(s.batch) && s.post != nil {
				s.token = s.post
			}
			return true
		}
		if s.next >= len(s.steps) {
			// Idle: behave like an empty getMore bounded by the poll window.
			select {
			case <-ctx.Done():
				s.err = ctx.Err()
			case <-time.After(2 * time.Millisecond):
			}
			return false
		}
		st := s.steps[s.next]
		s.next++
		if st.err != nil {
			s.err = st.err
			return false
		}
		if st.dead {
			s.dead = true
			return false
		}
		s.batch, s.pos, s.post = st.events, 0, st.post
		if len(st.events) == 0 {
			if st.post != nil {
				s.token = st.post
			}
			return false
		}
	}
}

func (s *fakeStream) Decode(v interface{}) error { return bson.Unmarshal(s.cur, v) }
func (s *fakeStream) ResumeToken() bson.Raw      { return s.token }
func (s *fakeStream) RemainingBatchLength() int  { return len(s.batch) - s.pos }
func (s *fakeStream) Err() error                 { return s.err }

func (s *fakeStream) ID() int64 {
	if s.dead {
		return 0
	}
	return 1
}

func (s *fakeStream) Close(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}

type fakeSource struct {
	mu        sync.Mutex
	sessions  [][]step
	openErrs  []error
	opened    []bson.Raw
	started   []bson.Raw
	pipelines []mongo.Pipeline
	fullDocs  []options.FullDocument
	streams   []*fakeStream
}

func (f *fakeSource) Open(ctx context.Context, pipeline mongo.Pipeline, opts *options.ChangeStreamOptions) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ra bson.Raw
	if opts.ResumeAfter != nil {
		ra = opts.ResumeAfter.(bson.Raw)
	}
	f.opened = append(f.opened, ra)
	var sa bson.Raw
	if opts.StartAfter != nil {
		sa = opts.StartAfter.(bson.Raw)
	}
	f.started = append(f.started, sa)
	f.pipelines = append(f.pipelines, pipeline)
	if opts.FullDocument != nil {
		f.fullDocs = append(f.fullDocs, *opts.FullDocument)
	}

	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	var steps []step
	if len(f.sessions) > 0 {
		steps = f.sessions[0]
		f.sessions = f.sessions[1:]
	}
	s := &fakeStream{steps: steps}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSource) resumes() []bson.Raw {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bson.Raw(nil), f.opened...)
}

func (f *fakeSource) startAfters() []bson.Raw {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bson.Raw(nil), f.started...)
}

type memCursorStore struct {
	mu    sync.Mutex
	saved map[string]bson.Raw
}

func (m *memCursorStore) Load(ctx context.Context, name string) (bson.Raw, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[name], nil
}

func (m *memCursorStore) Save(ctx context.Context, name string, token bson.Raw) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[name] = append(bson.Raw(nil), token...)
	return nil
}

/* -------------------------------------------------------------------------- */
/* Helpers                                                                    */
/* -------------------------------------------------------------------------- */

type item struct {
	ID   primitive.ObjectID `bson:"_id"`
	Name string             `bson:"name"`
}

func tok(t *testing.T, data string) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(bson.D{{Key: "_data", Value: data}})
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}
	return b
}

func change(t *testing.T, token, op string, it *item) []byte {
	t.Helper()
	doc := bson.D{
		{Key: "_id", Value: bson.D{{Key: "_data", Value: token}}},
		{Key: "operationType", Value: op},
	}
	if it != nil {
		doc = append(doc, bson.E{Key: "documentKey", Value: bson.D{{Key: "_id", Value: it.ID}}})
		if op != "delete" {
			doc = append(doc, bson.E{Key: "fullDocument", Value: it})
		}
	}
	b, err := bson.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal change: %v", err)
	}
	return b
}

func insert(t *testing.T, token string) []byte {
	return change(t, token, "insert", &item{ID: primitive.NewObjectID(), Name: token})
}

func startRun(t *testing.T, w *Watcher[item], ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func tokenData(ev Event[item]) string {
	return ev.ResumeToken.Lookup("_data").StringValue()
}

/* -------------------------------------------------------------------------- */
/* Tests                                                                      */
/* -------------------------------------------------------------------------- */

func TestWatcher_DeliversInOrderAndAdvancesPerBatch(t *testing.T) {
	src := &fakeSource{sessions: [][]step{{
		{events: [][]byte{insert(t, "t1"), insert(t, "t2"), insert(t, "t3")}, post: tok(t, "p1")},
		{events: [][]byte{insert(t, "t4"), insert(t, "t5")}},
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []string
	var w *Watcher[item]
	var cursorAtT2, cursorAtT4 bson.Raw
	w, err := New[item](src, func(hctx context.Context, ev Event[item]) error {
		seen = append(seen, tokenData(ev))
		switch tokenData(ev) {
		case "t2":
			cursorAtT2 = w.cursor
		case "t4":
			cursorAtT4 = w.cursor
		case "t5":
			cancel()
		}
		return nil
	}, WithName("items"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	waitRun(t, startRun(t, w, ctx))

	want := []string{"t1", "t2", "t3", "t4", "t5"}
	if len(seen) != len(want) {
		t.Fatalf("seen %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen %v, want %v", seen, want)
		}
	}
	if cursorAtT2 != nil {
		t.Errorf("cursor advanced mid-batch: %v", cursorAtT2)
	}
	if !bytes.Equal(cursorAtT4, tok(t, "p1")) {
		t.Errorf("cursor after first batch = %v, want p1", cursorAtT4)
	}
	if !bytes.Equal(w.cursor, tok(t, "t5")) {
		t.Errorf("final cursor = %v, want t5", w.cursor)
	}

	st := w.Stats()
	if st.Events != 5 || st.Sessions != 1 || st.Errors != 0 || !st.HasCursor || st.Running {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.LastEventAt == nil {
		t.Error("expected LastEventAt to be set")
	}
	if !src.streams[0].closed.Load() {
		t.Error("expected stream to be closed")
	}
}

func TestWatcher_ReconnectsFromLastCursor(t *testing.T) {
	src := &fakeSource{sessions: [][]step{
		{
			{events: [][]byte{insert(t, "t1"), insert(t, "t2"), insert(t, "t3"), insert(t, "t4"), insert(t, "t5")}, post: tok(t, "p5")},
			{err: errors.New("connection reset")},
		},
		{
			{events: [][]byte{insert(t, "t6")}},
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counts := map[string]int{}
	w, err := New[item](src, func(_ context.Context, ev Event[item]) error {
		counts[tokenData(ev)]++
		if tokenData(ev) == "t6" {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	waitRun(t, startRun(t, w, ctx))

	resumes := src.resumes()
	if len(resumes) != 2 {
		t.Fatalf("expected 2 opens, got %d", len(resumes))
	}
	if resumes[0] != nil {
		t.Errorf("first open should start from now, got %v", resumes[0])
	}
	if !bytes.Equal(resumes[1], tok(t, "p5")) {
		t.Errorf("second open resumed after %v, want p5", resumes[1])
	}
	for _, k := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		if counts[k] != 1 {
			t.Errorf("event %s handled %d times, want 1", k, counts[k])
		}
	}
	if st := w.Stats(); st.Sessions != 2 || st.Errors != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	for i, s := range src.streams {
		if !s.closed.Load() {
			t.Errorf("stream %d not closed", i)
		}
	}
}

func TestWatcher_HandlerErrorReplaysUndrainedBatch(t *testing.T) {
	src := &fakeSource{sessions: [][]step{
		{
			{events: [][]byte{insert(t, "t1")}, post: tok(t, "p1")},
			{events: [][]byte{insert(t, "t2"), insert(t, "t3")}},
		},
		{
			{events: [][]byte{insert(t, "t2"), insert(t, "t3")}},
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []string
	failed := false
	w, err := New[item](src, func(_ context.Context, ev Event[item]) error {
		seen = append(seen, tokenData(ev))
		if tokenData(ev) == "t3" {
			if !failed {
				failed = true
				return errors.New("transport down")
			}
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	waitRun(t, startRun(t, w, ctx))

	want := []string{"t1", "t2", "t3", "t2", "t3"}
	if len(seen) != len(want) {
		t.Fatalf("seen %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen %v, want %v", seen, want)
		}
	}
	resumes := src.resumes()
	if len(resumes) != 2 || !bytes.Equal(resumes[1], tok(t, "p1")) {
		t.Errorf("expected reopen after p1, got %v", resumes)
	}
}

func TestWatcher_RecoversHandlerPanic(t *testing.T) {
	src := &fakeSource{sessions: [][]step{
		{{events: [][]byte{insert(t, "t1")}}},
		{{events: [][]byte{insert(t, "t1")}}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	w, err := New[item](src, func(_ context.Context, ev Event[item]) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	waitRun(t, startRun(t, w, ctx))

	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if st := w.Stats(); st.Errors != 1 || st.Events != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestWatcher_ResetsCursorWhenHistoryLost(t *testing.T) {
	src := &fakeSource{sessions: [][]step{
		{
			{events: [][]byte{insert(t, "t1")}, post: tok(t, "p1")},
			{err: mongo.CommandError{Code: codeChangeStreamHistoryLost, Message: "resume point no longer in oplog"}},
		},
		{
			{events: [][]byte{insert(t, "t2")}},
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := New[item](src, func(_ context.Context, ev Event[item]) error {
		if tokenData(ev) == "t2" {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	waitRun(t, startRun(t, w, ctx))

	resumes := src.resumes()
	if len(resumes) != 2 {
		t.Fatalf("expected 2 opens, got %d", len(resumes))
	}
	if resumes[1] != nil {
		t.Errorf("expected restart from now, resumed after %v", resumes[1])
	}
}

func TestWatcher_ReopensWhenServerClosesCursor(t *testing.T) {
	src := &fakeSource{sessions: [][]step{
		{
			{events: [][]byte{insert(t, "t1")}, post: tok(t, "inv1")},
			{dead: true},
		},
		{
			{events: [][]byte{insert(t, "t2")}, post: tok(t, "p2")},
			{err: errors.New("connection reset")},
		},
		{
			{events: [][]byte{insert(t, "t3")}},
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []string
	w, err := New[item](src, func(_ context.Context, ev Event[item]) error {
		seen = append(seen, tokenData(ev))
		if tokenData(ev) == "t3" {
			cancel()
		}
		return nil
	}, WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	waitRun(t, startRun(t, w, ctx))

	if len(seen) != 3 || seen[0] != "t1" || seen[1] != "t2" || seen[2] != "t3" {
		t.Fatalf("seen %v, want [t1 t2 t3]", seen)
	}

	resumes, starts := src.resumes(), src.startAfters()
	if len(resumes) != 3 {
		t.Fatalf("expected 3 opens, got %d", len(resumes))
	}
	// The closed cursor's last token may be an invalidate, so startAfter.
	if resumes[1] != nil || !bytes.Equal(starts[1], tok(t, "inv1")) {
		t.Errorf("second open: resumeAfter=%v startAfter=%v, want startAfter inv1", resumes[1], starts[1])
	}
	// Once the cursor moves on, ordinary reconnects use resumeAfter again.
	if !bytes.Equal(resumes[2], tok(t, "p2")) || starts[2] != nil {
		t.Errorf("third open: resumeAfter=%v startAfter=%v, want resumeAfter p2", resumes[2], starts[2])
	}

	if st := w.Stats(); st.Sessions != 3 || st.Errors != 2 || st.Events != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
	if n := src.streams[0].polls.Load(); n > 10 {
		t.Errorf("dead stream polled %d times before reopening", n)
	}
	for i, s := range src.streams {
		if !s.closed.Load() {
			t.Errorf("stream %d not closed", i)
		}
	}
}

func TestWatcher_RetriesFailedOpen(t *testing.T) {
	src := &fakeSource{
		openErrs: []error{errors.New("server selection timeout"), nil},
		sessions: [][]step{{{events: [][]byte{insert(t, "t1")}}}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := New[item](src, func(_ context.Context, ev Event[item]) error {
		cancel()
		return nil
	}, WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	waitRun(t, startRun(t, w, ctx))

	if n := len(src.resumes()); n != 2 {
		t.Errorf("expected 2 open attempts, got %d", n)
	}
	if st := w.Stats(); st.Errors != 1 || st.Sessions != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestWatcher_CursorStoreLoadAndSave(t *testing.T) {
	store := &memCursorStore{saved: map[string]bson.Raw{"items": tok(t, "saved")}}
	src := &fakeSource{sessions: [][]step{{
		{events: [][]byte{insert(t, "t1")}, post: tok(t, "p1")},
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := New[item](src, func(_ context.Context, ev Event[item]) error {
		cancel()
		return nil
	}, WithName("items"), WithCursorStore(store))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	waitRun(t, startRun(t, w, ctx))

	resumes := src.resumes()
	if len(resumes) == 0 || !bytes.Equal(resumes[0], tok(t, "saved")) {
		t.Errorf("expected resume from stored token, got %v", resumes)
	}
	got, _ := store.Load(context.Background(), "items")
	if !bytes.Equal(got, tok(t, "p1")) {
		t.Errorf("stored token = %v, want p1", got)
	}
}

func TestWatcher_KindsDecodeFailuresAndDeletes(t *testing.T) {
	deleted := &item{ID: primitive.NewObjectID()}
	bad, err := bson.Marshal(bson.D{
		{Key: "_id", Value: bson.D{{Key: "_data", Value: "t2"}}},
		{Key: "operationType", Value: "update"},
		{Key: "fullDocument", Value: "not a document"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	src := &fakeSource{sessions: [][]step{{
		{events: [][]byte{
			change(t, "t1", "drop", nil),
			bad,
			change(t, "t3", "delete", deleted),
		}},
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []Event[item]
	w, err := New[item](src, func(_ context.Context, ev Event[item]) error {
		got = append(got, ev)
		if ev.Kind == OpDelete {
			cancel()
		}
		return nil
	}, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	waitRun(t, startRun(t, w, ctx))

	if len(got) != 2 {
		t.Fatalf("expected 2 delivered events, got %d", len(got))
	}
	if got[0].Kind != OpUnknown || got[0].RawKind != "drop" {
		t.Errorf("expected unknown drop, got %v/%q", got[0].Kind, got[0].RawKind)
	}
	if got[1].FullDocument != nil {
		t.Error("expected no full document on delete")
	}
	if id, ok := got[1].DocumentID(); !ok || id != deleted.ID.Hex() {
		t.Errorf("DocumentID = %q, %v; want %s", id, ok, deleted.ID.Hex())
	}
	if st := w.Stats(); st.Errors != 1 {
		t.Errorf("expected 1 error for undecodable event, got %+v", st)
	}
}

func TestWatcher_HandlerContextSurvivesCancel(t *testing.T) {
	src := &fakeSource{sessions: [][]step{{{events: [][]byte{insert(t, "t1")}}}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handlerErr error
	w, err := New[item](src, func(hctx context.Context, ev Event[item]) error {
		cancel()
		handlerErr = hctx.Err()
		return nil
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	waitRun(t, startRun(t, w, ctx))

	if handlerErr != nil {
		t.Errorf("handler context was cancelled: %v", handlerErr)
	}
	if w.Stats().Events != 1 {
		t.Error("expected in-flight event to complete")
	}
}

func TestWatcher_RunTwice(t *testing.T) {
	src := &fakeSource{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := New[item](src, func(context.Context, Event[item]) error { return nil })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	done := startRun(t, w, ctx)

	deadline := time.Now().Add(5 * time.Second)
	for !w.Stats().Running {
		if time.Now().After(deadline) {
			t.Fatal("watcher never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := w.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	cancel()
	waitRun(t, done)
}

func TestNew_Pipelines(t *testing.T) {
	h := func(context.Context, Event[item]) error { return nil }
	src := &fakeSource{}

	w, err := New[item](src, h, WithOperationKinds(OpInsert, OpDelete))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(w.pipeline) != 1 || w.pipeline[0][0].Key != "$match" {
		t.Fatalf("unexpected pipeline %v", w.pipeline)
	}
	match := w.pipeline[0][0].Value.(bson.D)
	in := match[0].Value.(bson.D)[0].Value.(bson.A)
	if len(in) != 2 || in[0] != "insert" || in[1] != "delete" {
		t.Errorf("unexpected $in %v", in)
	}

	w, err = New[item](src, h, WithFilter(`{ "operationType": { "$in": ["replace", "update"] } }`), WithOperationKinds(OpInsert))
	if err != nil {
		t.Fatalf("New with filter failed: %v", err)
	}
	match = w.pipeline[0][0].Value.(bson.D)
	if match[0].Key != "operationType" {
		t.Errorf("filter should win over kinds, got %v", match)
	}

	w, err = New[item](src, h)
	if err != nil || len(w.pipeline) != 0 {
		t.Errorf("expected empty pipeline, got %v, %v", w.pipeline, err)
	}

	if _, err := New[item](src, h, WithFilter(`{`)); err == nil {
		t.Error("expected error for malformed filter")
	}
	if _, err := New[item](src, h, WithOperationKinds(OpUnknown)); err == nil {
		t.Error("expected error for unknown kind filter")
	}
	if _, err := New[item](nil, h); err == nil {
		t.Error("expected error for nil source")
	}
	if _, err := New[item](src, nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestWatcher_PassesFullDocumentPolicy(t *testing.T) {
	src := &fakeSource{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := New[item](src, func(context.Context, Event[item]) error { return nil }, WithFullDocument(options.Default))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	done := startRun(t, w, ctx)
	deadline := time.Now().Add(5 * time.Second)
	for w.Stats().Sessions == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never opened a stream")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	waitRun(t, done)

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.fullDocs) == 0 || src.fullDocs[0] != options.Default {
		t.Errorf("expected full document policy %q, got %v", options.Default, src.fullDocs)
	}
}
