package models

import (
	"testing"
	"time"
)

func TestBatchAppendKeepsReceiptOrder(t *testing.T) {
	now := time.Now()
	batch := NewBatch(now)

	payloads := []string{"first", "second", "third"}
	for i, p := range payloads {
		batch.Append(RawMessage{Payload: []byte(p), ReceivedAt: now.Add(time.Duration(i) * time.Millisecond)})
	}

	if batch.Len() != len(payloads) {
		t.Fatalf("Len() = %d, want %d", batch.Len(), len(payloads))
	}
	for i, p := range payloads {
		if string(batch.Messages[i].Payload) != p {
			t.Errorf("message %d = %q, want %q", i, batch.Messages[i].Payload, p)
		}
	}
}

func TestBatchAgeMeasuredFromOpenTime(t *testing.T) {
	opened := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	batch := NewBatch(opened)

	// A late first message must not move the window start.
	batch.Append(RawMessage{Payload: []byte("late"), ReceivedAt: opened.Add(7 * time.Second)})

	if got := batch.Age(opened.Add(10 * time.Second)); got != 10*time.Second {
		t.Errorf("Age() = %v, want 10s", got)
	}
}

func TestArchiveBatchString(t *testing.T) {
	b := ArchiveBatch{
		BatchID:     "b-1",
		RecordCount: 42,
		FlushTime:   time.Date(2026, 8, 26, 9, 30, 0, 0, time.UTC),
	}
	want := "batch b-1 (42 msgs, flushed 2026-08-26T09:30:00Z)"
	if got := b.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
