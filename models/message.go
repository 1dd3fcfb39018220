package models

import (
	"fmt"
	"time"
)

// RawMessage is a single feed message exactly as it arrived on the wire,
// stamped with the local receipt time. The payload is opaque; nothing in the
// pipeline inspects it.
type RawMessage struct {
	Payload    []byte
	ReceivedAt time.Time
}

// Batch is the in-memory working set of messages awaiting archival. Messages
// are kept in receipt order. A batch is owned by exactly one component at a
// time: the accumulator while open, the archive writer after detachment.
type Batch struct {
	Messages []RawMessage
	OpenedAt time.Time
}

// NewBatch returns an empty batch whose age window starts at now.
func NewBatch(now time.Time) *Batch {
	return &Batch{OpenedAt: now}
}

func (b *Batch) Append(msg RawMessage) {
	b.Messages = append(b.Messages, msg)
}

func (b *Batch) Len() int {
	return len(b.Messages)
}

// Age reports how long the batch has been open, measured from open time, not
// from the first message.
func (b *Batch) Age(now time.Time) time.Duration {
	return now.Sub(b.OpenedAt)
}

// StreamIdentity names the logical feed a process instance captures. It is
// immutable configuration and only used to build archive keys.
type StreamIdentity struct {
	Exchange   string
	StreamName string
}

// ArchiveBatch is a detached batch snapshot handed to the archive writer.
type ArchiveBatch struct {
	BatchID     string
	Stream      StreamIdentity
	Messages    []RawMessage
	RecordCount int
	OpenedAt    time.Time
	FlushTime   time.Time
}

func (b ArchiveBatch) String() string {
	return fmt.Sprintf("batch %s (%d msgs, flushed %s)", b.BatchID, b.RecordCount, b.FlushTime.UTC().Format(time.RFC3339))
}
