package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	appconfig "depthflow/config"
	"depthflow/models"
)

// fakeArchiver records writes and can fail or block on cue.
type fakeArchiver struct {
	mu      sync.Mutex
	calls   []models.ArchiveBatch
	errs    []error
	writes  chan models.ArchiveBatch
	gate    chan struct{}
	entered chan struct{}
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{
		writes:  make(chan models.ArchiveBatch, 8),
		entered: make(chan struct{}, 8),
	}
}

func (f *fakeArchiver) Write(ctx context.Context, batch models.ArchiveBatch) (string, error) {
	f.entered <- struct{}{}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	f.calls = append(f.calls, batch)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()

	f.writes <- batch
	if err != nil {
		return "", err
	}
	return "key-" + batch.BatchID, nil
}

func (f *fakeArchiver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig(window time.Duration, maxMessages int) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Batch.Window = window
	cfg.Batch.MaxMessages = maxMessages
	return cfg
}

func testStream() models.StreamIdentity {
	return models.StreamIdentity{Exchange: "binance", StreamName: "btcusdt@depth20@100ms"}
}

func msg(payload string) models.RawMessage {
	return models.RawMessage{Payload: []byte(payload), ReceivedAt: time.Now().UTC()}
}

func awaitWrite(t *testing.T, f *fakeArchiver) models.ArchiveBatch {
	t.Helper()
	select {
	case batch := <-f.writes:
		return batch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for archive write")
		return models.ArchiveBatch{}
	}
}

func awaitEnter(t *testing.T, f *fakeArchiver) {
	t.Helper()
	select {
	case <-f.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for archive write to start")
	}
}

func assertPayloads(t *testing.T, batch models.ArchiveBatch, want ...string) {
	t.Helper()
	if batch.RecordCount != len(want) {
		t.Fatalf("record count = %d, want %d", batch.RecordCount, len(want))
	}
	if len(batch.Messages) != len(want) {
		t.Fatalf("batch has %d messages, want %d", len(batch.Messages), len(want))
	}
	for i, w := range want {
		if string(batch.Messages[i].Payload) != w {
			t.Errorf("message %d = %q, want %q", i, batch.Messages[i].Payload, w)
		}
	}
}

func drainEntered(f *fakeArchiver) {
	for {
		select {
		case <-f.entered:
		default:
			return
		}
	}
}

func TestCountThresholdFlushPreservesOrder(t *testing.T) {
	archive := newFakeArchiver()
	acc := NewAccumulator(testConfig(time.Hour, 3), testStream(), archive)

	ctx, cancel := context.WithCancel(context.Background())
	if err := acc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { cancel(); acc.Stop() }()

	acc.Accept(msg("m1"))
	acc.Accept(msg("m2"))
	if got := acc.Len(); got != 2 {
		t.Fatalf("Len() = %d before threshold, want 2", got)
	}
	acc.Accept(msg("m3"))

	batch := awaitWrite(t, archive)
	assertPayloads(t, batch, "m1", "m2", "m3")
	if batch.BatchID == "" {
		t.Error("batch has no id")
	}
	if batch.Stream != testStream() {
		t.Errorf("stream = %+v, want %+v", batch.Stream, testStream())
	}
}

func TestWindowFlush(t *testing.T) {
	archive := newFakeArchiver()
	acc := NewAccumulator(testConfig(10*time.Second, 1000), testStream(), archive)

	var clockMu sync.Mutex
	cur := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	acc.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return cur
	}
	acc.batch = models.NewBatch(cur)

	ctx, cancel := context.WithCancel(context.Background())
	if err := acc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { cancel(); acc.Stop() }()

	acc.Accept(msg("m1"))
	if got := acc.Len(); got != 1 {
		t.Fatalf("Len() = %d inside window, want 1", got)
	}

	clockMu.Lock()
	cur = cur.Add(10 * time.Second)
	clockMu.Unlock()

	acc.Accept(msg("m2"))
	batch := awaitWrite(t, archive)
	assertPayloads(t, batch, "m1", "m2")
}

func TestFailedFlushRetainsMessagesInOrder(t *testing.T) {
	archive := newFakeArchiver()
	archive.gate = make(chan struct{})
	archive.errs = []error{errors.New("s3 unavailable")}

	acc := NewAccumulator(testConfig(time.Hour, 3), testStream(), archive)

	ctx, cancel := context.WithCancel(context.Background())
	if err := acc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { cancel(); acc.Stop() }()

	acc.Accept(msg("m1"))
	acc.Accept(msg("m2"))
	acc.Accept(msg("m3"))
	awaitEnter(t, archive)

	// Arrives while the failing upload is outstanding.
	acc.Accept(msg("m4"))

	close(archive.gate)
	failed := awaitWrite(t, archive)
	assertPayloads(t, failed, "m1", "m2", "m3")

	// Retention puts the failed snapshot back in front, and the batch is
	// over the count threshold again, so the retry fires immediately.
	retried := awaitWrite(t, archive)
	assertPayloads(t, retried, "m1", "m2", "m3", "m4")

	if got := archive.callCount(); got != 2 {
		t.Errorf("archive calls = %d, want 2", got)
	}
}

func TestForceFlushQueuedBehindOutstandingUpload(t *testing.T) {
	archive := newFakeArchiver()
	archive.gate = make(chan struct{})

	acc := NewAccumulator(testConfig(time.Hour, 2), testStream(), archive)

	ctx, cancel := context.WithCancel(context.Background())
	if err := acc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { cancel(); acc.Stop() }()

	acc.Accept(msg("m1"))
	acc.Accept(msg("m2"))
	awaitEnter(t, archive)

	// The count threshold passes again while the upload is outstanding;
	// nothing flushes until the safety line at twice the limit.
	acc.Accept(msg("m3"))
	acc.Accept(msg("m4"))
	acc.Accept(msg("m5"))
	acc.Accept(msg("m6"))
	if got := acc.Len(); got != 4 {
		t.Fatalf("Len() = %d with upload outstanding, want 4", got)
	}
	if got := archive.callCount(); got != 0 {
		t.Fatalf("archive calls = %d before release, want 0", got)
	}

	close(archive.gate)
	first := awaitWrite(t, archive)
	assertPayloads(t, first, "m1", "m2")

	second := awaitWrite(t, archive)
	assertPayloads(t, second, "m3", "m4", "m5", "m6")
}

func TestFinalFlushEmptyBatchIsNoOp(t *testing.T) {
	archive := newFakeArchiver()
	acc := NewAccumulator(testConfig(time.Hour, 1000), testStream(), archive)

	acc.FinalFlush(context.Background())

	if got := archive.callCount(); got != 0 {
		t.Errorf("archive calls = %d for empty final flush, want 0", got)
	}
}

func TestFinalFlushArchivesRemainder(t *testing.T) {
	archive := newFakeArchiver()
	acc := NewAccumulator(testConfig(time.Hour, 1000), testStream(), archive)

	ctx, cancel := context.WithCancel(context.Background())
	if err := acc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	acc.Accept(msg("m1"))
	acc.Accept(msg("m2"))

	cancel()
	acc.Stop()
	drainEntered(archive)

	acc.FinalFlush(context.Background())

	batch := awaitWrite(t, archive)
	assertPayloads(t, batch, "m1", "m2")
	if got := acc.Len(); got != 0 {
		t.Errorf("Len() = %d after final flush, want 0", got)
	}
}

func TestFinalFlushRecoversSnapshotDetachedAfterWorkerExit(t *testing.T) {
	archive := newFakeArchiver()
	acc := NewAccumulator(testConfig(time.Hour, 2), testStream(), archive)

	ctx, cancel := context.WithCancel(context.Background())
	if err := acc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cancel()
	acc.Stop()

	// The receive path can still deliver while the reader shuts down; the
	// count threshold detaches a snapshot with no worker left to drain it.
	acc.Accept(msg("m1"))
	acc.Accept(msg("m2"))
	acc.Accept(msg("m3"))

	acc.FinalFlush(context.Background())

	batch := awaitWrite(t, archive)
	assertPayloads(t, batch, "m1", "m2", "m3")
	if got := archive.callCount(); got != 1 {
		t.Errorf("archive calls = %d, want 1", got)
	}
	if got := acc.Len(); got != 0 {
		t.Errorf("Len() = %d after final flush, want 0", got)
	}
}

func TestFinalFlushFailureLeavesNothingQueued(t *testing.T) {
	archive := newFakeArchiver()
	archive.errs = []error{errors.New("s3 unavailable")}
	acc := NewAccumulator(testConfig(time.Hour, 1000), testStream(), archive)

	acc.Accept(msg("m1"))
	acc.FinalFlush(context.Background())

	if got := archive.callCount(); got != 1 {
		t.Errorf("archive calls = %d, want 1", got)
	}
	if got := acc.Len(); got != 0 {
		t.Errorf("Len() = %d after failed final flush, want 0", got)
	}
}

func TestStartTwiceFails(t *testing.T) {
	archive := newFakeArchiver()
	acc := NewAccumulator(testConfig(time.Hour, 1000), testStream(), archive)

	ctx, cancel := context.WithCancel(context.Background())
	if err := acc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { cancel(); acc.Stop() }()

	if err := acc.Start(ctx); err == nil {
		t.Error("second Start did not fail")
	}
}
