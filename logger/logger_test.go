package logger

import (
	"io"
	"os"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestWarnAndErrorRecordCounters(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)

	readerErrs := atomic.LoadInt64(&errorsReader)
	archiverWarns := atomic.LoadInt64(&warnsArchiver)

	log.WithComponent("depth_reader").Error("boom")
	log.WithComponent("archive_writer").Warn("slow")

	if got := atomic.LoadInt64(&errorsReader); got != readerErrs+1 {
		t.Errorf("reader error counter = %d, want %d", got, readerErrs+1)
	}
	if got := atomic.LoadInt64(&warnsArchiver); got != archiverWarns+1 {
		t.Errorf("archiver warn counter = %d, want %d", got, archiverWarns+1)
	}
}
