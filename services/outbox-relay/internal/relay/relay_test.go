package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/outboxrelay/libs/events"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/checkpoint"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/deadletter"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/mapper"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/replication"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/sink"
)

var (
	dialogA = uuid.MustParse("0195f2c4-8d8c-7c1e-9a55-aaaaaaaaaaaa")
	dialogB = uuid.MustParse("0195f2c4-8d8c-7c1e-9a55-bbbbbbbbbbbb")
	dialogC = uuid.MustParse("0195f2c4-8d8c-7c1e-9a55-cccccccccccc")
)

func eventID(seq int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-7000-8000-%012d", seq))
}

func seqOf(msg sink.Message) int {
	n, _ := strconv.Atoi(msg.EventID.String()[24:])
	return n
}

// outboxRow builds a replicated row as pgoutput would deliver it.
func outboxRow(seq int, pos replication.Position, txEnd bool, dialog uuid.UUID, eventType string) replication.Record {
	payload := fmt.Sprintf(`{"eventId": "%s", "dialogId": "%s", "serviceResource": "urn:altinn:resource:demo", "party": "urn:altinn:person:1"}`, eventID(seq), dialog)
	return replication.Record{
		Position: pos,
		TxEnd:    txEnd,
		Table:    "outbox_messages",
		Columns: map[string][]byte{
			"id":           []byte(fmt.Sprintf("00000000-0000-7000-9000-%012d", seq)),
			"event_id":     []byte(eventID(seq).String()),
			"type":         []byte(eventType),
			"aggregate_id": []byte(dialog.String()),
			"payload":      []byte(payload),
			"occurred_at":  []byte("2026-01-01 00:00:00.000001+00"),
			"traceparent":  nil,
			"tracestate":   nil,
		},
	}
}

// singleTxRows returns n rows, one transaction each, at positions 10, 20, ...
func singleTxRows(n int, dialog uuid.UUID) []replication.Record {
	rows := make([]replication.Record, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, outboxRow(i, replication.Position(i*10), true, dialog, events.TypeDialogUpdated))
	}
	return rows
}

type fakeSource struct {
	mu        sync.Mutex
	snapshot  []replication.Record
	snapPos   replication.Position
	log       []replication.Record
	prepared  replication.Position
	streams   []replication.Position
	failAfter int

	// snapshotErr is returned by the first snapshotFailures calls, or by
	// every call when snapshotFailures is zero.
	snapshotErr      error
	snapshotFailures int
	snapshotCalls    int
	streamErr        error
}

func (s *fakeSource) Snapshot(context.Context) (replication.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotCalls++
	if s.snapshotErr != nil && (s.snapshotFailures == 0 || s.snapshotCalls <= s.snapshotFailures) {
		return nil, s.snapshotErr
	}
	return &fakeSnapshot{rows: append([]replication.Record(nil), s.snapshot...), pos: s.snapPos}, nil
}

func (s *fakeSource) Prepare(context.Context) (replication.Position, error) {
	return s.prepared, nil
}

func (s *fakeSource) Stream(_ context.Context, from replication.Position) (replication.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, from)
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	var recs []replication.Record
	for _, r := range s.log {
		if r.Position > from {
			recs = append(recs, r)
		}
	}
	st := &fakeStream{recs: recs}
	if len(s.streams) == 1 {
		st.failAfter = s.failAfter
	}
	return st, nil
}

func (s *fakeSource) snapshotAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotCalls
}

func (s *fakeSource) streamStarts() []replication.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]replication.Position(nil), s.streams...)
}

type fakeSnapshot struct {
	rows []replication.Record
	pos  replication.Position
}

func (s *fakeSnapshot) Position() replication.Position { return s.pos }

func (s *fakeSnapshot) Next(context.Context) (replication.Record, error) {
	if len(s.rows) == 0 {
		return replication.Record{}, io.EOF
	}
	r := s.rows[0]
	s.rows = s.rows[1:]
	r.Snapshot = true
	r.Position = s.pos
	r.TxEnd = false
	return r, nil
}

func (s *fakeSnapshot) Close(context.Context) error { return nil }

type fakeStream struct {
	recs      []replication.Record
	emitted   int
	failAfter int
	confirmed []replication.Position
}

func (s *fakeStream) Next(ctx context.Context) (replication.Record, error) {
	if s.failAfter > 0 && s.emitted == s.failAfter {
		s.failAfter = 0
		return replication.Record{}, fmt.Errorf("%w: connection reset by peer", replication.ErrConnection)
	}
	if s.emitted < len(s.recs) {
		r := s.recs[s.emitted]
		s.emitted++
		return r, nil
	}
	<-ctx.Done()
	return replication.Record{}, ctx.Err()
}

func (s *fakeStream) Confirm(_ context.Context, pos replication.Position) error {
	s.confirmed = append(s.confirmed, pos)
	return nil
}

func (s *fakeStream) Close(context.Context) error { return nil }

type recordingSink struct {
	mu          sync.Mutex
	published   []sink.Message
	attempts    map[uuid.UUID]int
	before      func(msg sink.Message, attempt int) error
	onPublished func(msg sink.Message)
}

func newRecordingSink() *recordingSink {
	return &recordingSink{attempts: make(map[uuid.UUID]int)}
}

func (s *recordingSink) Publish(_ context.Context, msg sink.Message) error {
	s.mu.Lock()
	s.attempts[msg.EventID]++
	attempt := s.attempts[msg.EventID]
	s.mu.Unlock()

	if s.before != nil {
		if err := s.before(msg, attempt); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.published = append(s.published, msg)
	s.mu.Unlock()
	if s.onPublished != nil {
		s.onPublished(msg)
	}
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) seqs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.published))
	for _, m := range s.published {
		out = append(out, seqOf(m))
	}
	return out
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

// crashableRepository drops every save once crashed, like a process that
// died before its checkpoint write reached the database.
type crashableRepository struct {
	*checkpoint.MemoryRepository
	mu      sync.Mutex
	crashed bool
}

func (r *crashableRepository) crash() {
	r.mu.Lock()
	r.crashed = true
	r.mu.Unlock()
}

func (r *crashableRepository) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	r.mu.Lock()
	crashed := r.crashed
	r.mu.Unlock()
	if crashed {
		return nil
	}
	return r.MemoryRepository.Save(ctx, cp)
}

type failingRepository struct{}

func (failingRepository) Load(context.Context, string) (checkpoint.Checkpoint, bool, error) {
	return checkpoint.Checkpoint{}, false, errors.New("relation \"outbox_checkpoints\" does not exist")
}

func (failingRepository) Save(context.Context, checkpoint.Checkpoint) error { return nil }

func testConfig() Config {
	return Config{
		Subscription:       "test",
		BatchSize:          100,
		FlushInterval:      20 * time.Millisecond,
		PublishTimeout:     2 * time.Second,
		PublishConcurrency: 4,
		PublishMaxElapsed:  2 * time.Second,
		RetryInitial:       time.Millisecond,
		RetryMax:           5 * time.Millisecond,
		ReconnectInitial:   time.Millisecond,
		ReconnectMax:       5 * time.Millisecond,
	}
}

func newTestRelay(t *testing.T, cfg Config, src replication.Source, snk sink.Sink, cps checkpoint.Repository, dls deadletter.Store) *Relay {
	t.Helper()
	reg := events.NewRegistry()
	if err := events.RegisterDialogEvents(reg); err != nil {
		t.Fatalf("register events: %v", err)
	}
	r, err := New(cfg, Deps{
		Source:      src,
		Mapper:      mapper.New(reg),
		Sink:        snk,
		Checkpoints: cps,
		DeadLetters: dls,
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return r
}

func start(ctx context.Context, r *Relay) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
		return nil
	}
}

func savedPosition(t *testing.T, repo checkpoint.Repository) replication.Position {
	t.Helper()
	cp, ok, err := repo.Load(context.Background(), "test")
	if err != nil || !ok {
		t.Fatalf("expected a checkpoint, ok=%v err=%v", ok, err)
	}
	return cp.Position
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSnapshotPublishesInOrderAndCheckpointsOnce(t *testing.T) {
	src := &fakeSource{
		snapPos: 100,
		snapshot: []replication.Record{
			outboxRow(1, 0, false, dialogA, events.TypeDialogCreated),
			outboxRow(2, 0, false, dialogA, events.TypeDialogUpdated),
			outboxRow(3, 0, false, dialogA, events.TypeDialogCreated),
		},
	}
	snk := newRecordingSink()
	repo := checkpoint.NewMemoryRepository()
	r := newTestRelay(t, testConfig(), src, snk, repo, deadletter.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, r)
	waitFor(t, "streaming", func() bool { return r.Status().State() == StateStreaming })
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := snk.seqs(); !equalInts(got, []int{1, 2, 3}) {
		t.Fatalf("snapshot order = %v", got)
	}
	types := []string{}
	for _, m := range snk.published {
		types = append(types, m.Type)
	}
	if types[0] != events.TypeDialogCreated || types[1] != events.TypeDialogUpdated || types[2] != events.TypeDialogCreated {
		t.Fatalf("unexpected type order %v", types)
	}
	if repo.Saves() != 1 {
		t.Fatalf("expected exactly one checkpoint save, got %d", repo.Saves())
	}
	if pos := savedPosition(t, repo); pos != 100 {
		t.Fatalf("checkpoint = %s, want snapshot position", pos)
	}
	if starts := src.streamStarts(); len(starts) != 1 || starts[0] != 100 {
		t.Fatalf("stream must continue from the snapshot position, got %v", starts)
	}
	if r.Status().State() != StateStopping {
		t.Fatalf("expected stopping state, got %s", r.Status().State())
	}
}

func TestEmptySnapshotStillCheckpoints(t *testing.T) {
	src := &fakeSource{snapPos: 7}
	repo := checkpoint.NewMemoryRepository()
	r := newTestRelay(t, testConfig(), src, newRecordingSink(), repo, deadletter.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, r)
	waitFor(t, "streaming", func() bool { return r.Status().State() == StateStreaming })
	cancel()
	_ = waitDone(t, done)

	if pos := savedPosition(t, repo); pos != 7 {
		t.Fatalf("checkpoint = %s", pos)
	}
}

func TestCrashBeforeCheckpointRepublishesFromLastSave(t *testing.T) {
	src := &fakeSource{log: singleTxRows(10, dialogA)}
	mem := checkpoint.NewMemoryRepository()
	_ = mem.Save(context.Background(), checkpoint.Checkpoint{Subscription: "test", Position: 1})

	cfg := testConfig()
	cfg.BatchSize = 4

	// First run: records 1-4 are checkpointed, the process dies right
	// after the bus acknowledged record 5.
	crashing := &crashableRepository{MemoryRepository: mem}
	first := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	first.onPublished = func(msg sink.Message) {
		if seqOf(msg) == 5 {
			crashing.crash()
			cancel()
		}
	}
	done := start(ctx, newTestRelay(t, cfg, src, first, crashing, deadletter.NewMemoryStore()))
	if err := waitDone(t, done); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if got := first.seqs(); !equalInts(got, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("first run published %v", got)
	}
	if pos := savedPosition(t, mem); pos != 40 {
		t.Fatalf("checkpoint after crash = %s, want record 4", pos)
	}

	// Restart: 5-10 are published again, 1-4 are not.
	second := newRecordingSink()
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	done2 := start(ctx2, newTestRelay(t, cfg, src, second, mem, deadletter.NewMemoryStore()))
	waitFor(t, "republish", func() bool { return second.count() >= 6 })
	cancel2()
	if err := waitDone(t, done2); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := second.seqs(); !equalInts(got, []int{5, 6, 7, 8, 9, 10}) {
		t.Fatalf("second run published %v", got)
	}
	if pos := savedPosition(t, mem); pos != 100 {
		t.Fatalf("final checkpoint = %s", pos)
	}
}

func TestPoisonMessageIsDeadLetteredAndSkipped(t *testing.T) {
	rows := singleTxRows(10, dialogA)
	rows[5] = outboxRow(6, 60, true, dialogA, "dialog.archived.v1")
	src := &fakeSource{log: rows}
	snk := newRecordingSink()
	repo := checkpoint.NewMemoryRepository()
	_ = repo.Save(context.Background(), checkpoint.Checkpoint{Subscription: "test", Position: 1})
	dls := deadletter.NewMemoryStore()
	r := newTestRelay(t, testConfig(), src, snk, repo, dls)

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, r)
	waitFor(t, "checkpoint past the poison row", func() bool {
		cp, _, _ := repo.Load(context.Background(), "test")
		return cp.Position == 100
	})
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := snk.seqs(); !equalInts(got, []int{1, 2, 3, 4, 5, 7, 8, 9, 10}) {
		t.Fatalf("published %v", got)
	}
	entries := dls.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
	if entries[0].Reason != string(mapper.ReasonUnknownType) || entries[0].Position != 60 || entries[0].EventType != "dialog.archived.v1" {
		t.Fatalf("unexpected dead letter %+v", entries[0])
	}
	if r.Status().View().LastError == "" {
		t.Fatal("poison must be surfaced in the status")
	}
}

func TestBlockPolicyStopsAtPoison(t *testing.T) {
	rows := singleTxRows(10, dialogA)
	rows[5] = outboxRow(6, 60, true, dialogA, "dialog.archived.v1")
	src := &fakeSource{log: rows}
	snk := newRecordingSink()
	repo := checkpoint.NewMemoryRepository()
	_ = repo.Save(context.Background(), checkpoint.Checkpoint{Subscription: "test", Position: 1})

	cfg := testConfig()
	cfg.PoisonPolicy = PoisonBlock
	r := newTestRelay(t, cfg, src, snk, repo, nil)

	err := waitDone(t, start(context.Background(), r))
	if !errors.Is(err, ErrPoisonMessage) {
		t.Fatalf("expected ErrPoisonMessage, got %v", err)
	}
	if got := snk.seqs(); !equalInts(got, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("published %v", got)
	}
	if pos := savedPosition(t, repo); pos != 50 {
		t.Fatalf("checkpoint = %s, must stop before the poison row", pos)
	}
}

func TestPermanentPublishErrorIsPoison(t *testing.T) {
	src := &fakeSource{log: singleTxRows(3, dialogA)}
	snk := newRecordingSink()
	snk.before = func(msg sink.Message, _ int) error {
		if seqOf(msg) == 2 {
			return &sink.PublishError{Sink: "test", Err: errors.New("message too large"), Transient: false}
		}
		return nil
	}
	repo := checkpoint.NewMemoryRepository()
	_ = repo.Save(context.Background(), checkpoint.Checkpoint{Subscription: "test", Position: 1})
	dls := deadletter.NewMemoryStore()
	r := newTestRelay(t, testConfig(), src, snk, repo, dls)

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, r)
	waitFor(t, "all rows handled", func() bool {
		cp, _, _ := repo.Load(context.Background(), "test")
		return cp.Position == 30
	})
	cancel()
	_ = waitDone(t, done)

	if got := snk.seqs(); !equalInts(got, []int{1, 3}) {
		t.Fatalf("published %v", got)
	}
	if entries := dls.Entries(); len(entries) != 1 || entries[0].Reason != "publish_rejected" {
		t.Fatalf("unexpected dead letters %+v", entries)
	}
}

func TestPerAggregateOrderUnderConcurrency(t *testing.T) {
	dialogs := []uuid.UUID{dialogA, dialogB, dialogC}
	var rows []replication.Record
	for i := 1; i <= 30; i++ {
		rows = append(rows, outboxRow(i, replication.Position(i*10), i%2 == 0, dialogs[i%3], events.TypeDialogUpdated))
	}
	rows[len(rows)-1].TxEnd = true
	src := &fakeSource{log: rows}
	snk := newRecordingSink()
	snk.before = func(sink.Message, int) error {
		time.Sleep(time.Duration(rand.Intn(1500)) * time.Microsecond)
		return nil
	}
	repo := checkpoint.NewMemoryRepository()
	_ = repo.Save(context.Background(), checkpoint.Checkpoint{Subscription: "test", Position: 1})

	cfg := testConfig()
	cfg.BatchSize = 7
	cfg.PublishConcurrency = 3
	r := newTestRelay(t, cfg, src, snk, repo, deadletter.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, r)
	waitFor(t, "all published", func() bool { return snk.count() == 30 })
	waitFor(t, "final checkpoint", func() bool {
		cp, _, _ := repo.Load(context.Background(), "test")
		return cp.Position == 300
	})
	cancel()
	_ = waitDone(t, done)

	last := map[string]int{}
	snk.mu.Lock()
	defer snk.mu.Unlock()
	for _, m := range snk.published {
		seq := seqOf(m)
		if prev, ok := last[m.AggregateID]; ok && prev > seq {
			t.Fatalf("aggregate %s reordered: %d after %d", m.AggregateID, seq, prev)
		}
		last[m.AggregateID] = seq
	}
}

func TestTransientPublishFailureIsRetried(t *testing.T) {
	src := &fakeSource{log: singleTxRows(5, dialogA)}
	snk := newRecordingSink()
	snk.before = func(msg sink.Message, attempt int) error {
		if seqOf(msg) == 3 && attempt < 3 {
			return &sink.PublishError{Sink: "test", Err: errors.New("leader not available"), Transient: true}
		}
		return nil
	}
	repo := checkpoint.NewMemoryRepository()
	_ = repo.Save(context.Background(), checkpoint.Checkpoint{Subscription: "test", Position: 1})
	r := newTestRelay(t, testConfig(), src, snk, repo, deadletter.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, r)
	waitFor(t, "all published", func() bool { return snk.count() == 5 })
	cancel()
	_ = waitDone(t, done)

	if got := snk.seqs(); !equalInts(got, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("published %v", got)
	}
	if n := snk.attempts[eventID(3)]; n != 3 {
		t.Fatalf("expected 3 attempts for record 3, got %d", n)
	}
	if starts := src.streamStarts(); len(starts) != 1 {
		t.Fatalf("retries must not reconnect, got %d streams", len(starts))
	}
}

func TestRetryExhaustionReconnectsFromCheckpoint(t *testing.T) {
	src := &fakeSource{log: singleTxRows(4, dialogA)}
	snk := newRecordingSink()
	var failing sync.Once
	broken := make(chan struct{})
	snk.before = func(msg sink.Message, _ int) error {
		if seqOf(msg) == 3 {
			select {
			case <-broken:
				return nil
			default:
				failing.Do(func() {
					time.AfterFunc(50*time.Millisecond, func() { close(broken) })
				})
				return &sink.PublishError{Sink: "test", Err: errors.New("broker unreachable"), Transient: true}
			}
		}
		return nil
	}
	repo := checkpoint.NewMemoryRepository()
	_ = repo.Save(context.Background(), checkpoint.Checkpoint{Subscription: "test", Position: 1})

	cfg := testConfig()
	cfg.PublishMaxElapsed = 10 * time.Millisecond
	r := newTestRelay(t, cfg, src, snk, repo, deadletter.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, r)
	waitFor(t, "final checkpoint", func() bool {
		cp, _, _ := repo.Load(context.Background(), "test")
		return cp.Position == 40
	})
	cancel()
	_ = waitDone(t, done)

	starts := src.streamStarts()
	if len(starts) < 2 {
		t.Fatalf("expected a reconnect, got streams %v", starts)
	}
	if starts[1] != 20 {
		t.Fatalf("reconnect must resume from the last checkpoint, got %s", starts[1])
	}
}

func TestReconnectAfterStreamFailure(t *testing.T) {
	src := &fakeSource{log: singleTxRows(6, dialogA), failAfter: 3}
	snk := newRecordingSink()
	repo := checkpoint.NewMemoryRepository()
	_ = repo.Save(context.Background(), checkpoint.Checkpoint{Subscription: "test", Position: 1})

	cfg := testConfig()
	cfg.BatchSize = 2
	r := newTestRelay(t, cfg, src, snk, repo, deadletter.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, r)
	waitFor(t, "final checkpoint", func() bool {
		cp, _, _ := repo.Load(context.Background(), "test")
		return cp.Position == 60
	})
	cancel()
	_ = waitDone(t, done)

	if got := snk.seqs(); !equalInts(got, []int{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("published %v", got)
	}
	if starts := src.streamStarts(); len(starts) != 2 || starts[1] != 30 {
		t.Fatalf("unexpected stream starts %v", starts)
	}
}

func TestStopLetsInFlightPublishFinish(t *testing.T) {
	src := &fakeSource{log: singleTxRows(5, dialogA)}
	snk := newRecordingSink()
	inflight := make(chan struct{})
	release := make(chan struct{})
	snk.before = func(msg sink.Message, _ int) error {
		if seqOf(msg) == 2 {
			close(inflight)
			<-release
		}
		return nil
	}
	repo := checkpoint.NewMemoryRepository()
	_ = repo.Save(context.Background(), checkpoint.Checkpoint{Subscription: "test", Position: 1})
	r := newTestRelay(t, testConfig(), src, snk, repo, deadletter.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, r)
	<-inflight
	cancel()

	select {
	case <-done:
		t.Fatal("relay stopped before the in-flight publish finished")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := snk.seqs(); !equalInts(got, []int{1, 2}) {
		t.Fatalf("published %v", got)
	}
	if pos := savedPosition(t, repo); pos != 20 {
		t.Fatalf("checkpoint = %s, want last acknowledged record", pos)
	}
}

func TestInitialModeNow(t *testing.T) {
	src := &fakeSource{prepared: 500, snapshot: []replication.Record{outboxRow(1, 0, false, dialogA, events.TypeDialogCreated)}}
	snk := newRecordingSink()
	repo := checkpoint.NewMemoryRepository()
	cfg := testConfig()
	cfg.InitialMode = InitialNow
	r := newTestRelay(t, cfg, src, snk, repo, deadletter.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, r)
	waitFor(t, "streaming", func() bool { return r.Status().State() == StateStreaming })
	cancel()
	_ = waitDone(t, done)

	if snk.count() != 0 {
		t.Fatal("now mode must not publish existing rows")
	}
	if pos := savedPosition(t, repo); pos != 500 {
		t.Fatalf("checkpoint = %s", pos)
	}
}

func TestCheckpointLoadFailureIsFatal(t *testing.T) {
	r := newTestRelay(t, testConfig(), &fakeSource{}, newRecordingSink(), failingRepository{}, deadletter.NewMemoryStore())
	err := r.Run(context.Background())
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
}

func TestStatusCheck(t *testing.T) {
	s := NewStatus()
	var seen []State
	s.OnStateChange(func(st State) { seen = append(seen, st) })

	if err := s.Check(context.Background()); err == nil {
		t.Fatal("starting relay must not be ready")
	}
	s.setState(StateStreaming)
	s.setConnected(true)
	if err := s.Check(context.Background()); err != nil {
		t.Fatalf("streaming relay must be ready: %v", err)
	}
	s.setState(StateReconnecting)
	if err := s.Check(context.Background()); err == nil {
		t.Fatal("reconnecting relay must not be ready")
	}
	if len(seen) != 2 || seen[0] != StateStreaming || seen[1] != StateReconnecting {
		t.Fatalf("unexpected transitions %v", seen)
	}

	s.checkpointed(checkpoint.Checkpoint{Position: 0x16B374D848, EventID: eventID(1)})
	v := s.View()
	if v.Checkpoint == nil || v.Checkpoint.Position != "16/B374D848" || v.Checkpoint.EventID != eventID(1).String() || v.Checkpoint.MessageID != "" {
		t.Fatalf("unexpected view %+v", v.Checkpoint)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{Subscription: "relay"}, true},
		{"missing subscription", Config{}, false},
		{"bad policy", Config{Subscription: "relay", PoisonPolicy: "drop"}, false},
		{"position without value", Config{Subscription: "relay", InitialMode: InitialPosition}, false},
		{"position", Config{Subscription: "relay", InitialMode: InitialPosition, InitialPosition: 42}, true},
		{"bad mode", Config{Subscription: "relay", InitialMode: "latest"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.withDefaults().Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestRefusedSnapshotStopsTheRelay(t *testing.T) {
	src := &fakeSource{snapshotErr: fmt.Errorf("create publication: %w", &pgconn.PgError{Code: "42P01", Message: `relation "public.outbox" does not exist`})}
	repo := checkpoint.NewMemoryRepository()
	r := newTestRelay(t, testConfig(), src, newRecordingSink(), repo, deadletter.NewMemoryStore())

	err := waitDone(t, start(context.Background(), r))
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if n := src.snapshotAttempts(); n != 1 {
		t.Fatalf("a refused snapshot must not be retried, got %d attempts", n)
	}
	if _, ok, _ := repo.Load(context.Background(), "test"); ok {
		t.Fatal("no checkpoint may be saved")
	}
	if r.Status().View().LastError == "" {
		t.Fatal("status must carry the error")
	}
}

func TestSnapshotConnectionLossIsRetried(t *testing.T) {
	src := &fakeSource{
		snapshot:         []replication.Record{outboxRow(1, 0, false, dialogA, events.TypeDialogCreated)},
		snapPos:          100,
		snapshotErr:      fmt.Errorf("%w: connect: dial tcp: connection refused", replication.ErrConnection),
		snapshotFailures: 2,
	}
	repo := checkpoint.NewMemoryRepository()
	snk := newRecordingSink()
	r := newTestRelay(t, testConfig(), src, snk, repo, deadletter.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, r)
	waitFor(t, "streaming", func() bool { return r.Status().State() == StateStreaming })
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}

	if n := src.snapshotAttempts(); n != 3 {
		t.Fatalf("expected 3 snapshot attempts, got %d", n)
	}
	if got := savedPosition(t, repo); got != 100 {
		t.Fatalf("checkpoint = %s, want 100", got)
	}
	if snk.count() != 1 {
		t.Fatalf("expected the snapshot row once, got %d", snk.count())
	}
}

func TestRefusedStreamStopsTheRelay(t *testing.T) {
	src := &fakeSource{streamErr: fmt.Errorf("start replication: %w", &pgconn.PgError{Code: "42501", Message: "permission denied"})}
	repo := checkpoint.NewMemoryRepository()
	_ = repo.Save(context.Background(), checkpoint.Checkpoint{Subscription: "test", Position: 1})
	r := newTestRelay(t, testConfig(), src, newRecordingSink(), repo, deadletter.NewMemoryStore())

	err := waitDone(t, start(context.Background(), r))
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if starts := src.streamStarts(); len(starts) != 1 {
		t.Fatalf("a refused stream must not be retried, got %d attempts", len(starts))
	}
}

func TestCancelledRunNeverReportsStreaming(t *testing.T) {
	src := &fakeSource{}
	repo := checkpoint.NewMemoryRepository()
	_ = repo.Save(context.Background(), checkpoint.Checkpoint{Subscription: "test", Position: 1})
	r := newTestRelay(t, testConfig(), src, newRecordingSink(), repo, deadletter.NewMemoryStore())

	var (
		mu   sync.Mutex
		seen []State
	)
	r.Status().OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := waitDone(t, start(ctx, r)); err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		if s == StateStreaming || s == StateSnapshotting {
			t.Fatalf("cancelled run reported %s, states %v", s, seen)
		}
	}
	if r.Status().State() != StateStopping {
		t.Fatalf("expected stopping, got %s", r.Status().State())
	}
}

func TestStoppingIsLeftOnlyByANewRun(t *testing.T) {
	s := NewStatus()
	var seen []State
	s.OnStateChange(func(st State) { seen = append(seen, st) })

	s.setState(StateStreaming)
	s.setState(StateStopping)
	s.setState(StateStreaming)
	s.setState(StateReconnecting)
	if s.State() != StateStopping {
		t.Fatalf("expected stopping, got %s", s.State())
	}
	s.setState(StateStarting)
	if want := []State{StateStreaming, StateStopping, StateStarting}; len(seen) != len(want) || seen[0] != want[0] || seen[1] != want[1] || seen[2] != want[2] {
		t.Fatalf("observed %v, want %v", seen, want)
	}
}
