package logger

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	errorsReader   int64
	errorsArchiver int64
	warnsReader    int64
	warnsArchiver  int64

	connects        int64
	reconnects      int64
	feedReads       int64
	feedBytes       int64
	flushes         int64
	uploadRetries   int64
	uploadsOK       int64
	uploadsFailed   int64
	bytesArchived   int64
	batchesRetained int64
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&warnsReader, 1)
	} else if strings.Contains(component, "archive") {
		atomic.AddInt64(&warnsArchiver, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&errorsReader, 1)
	} else if strings.Contains(component, "archive") {
		atomic.AddInt64(&errorsArchiver, 1)
	}
}

// IncrementConnect counts an established feed connection.
func IncrementConnect() {
	atomic.AddInt64(&connects, 1)
}

// IncrementReconnect counts a reconnect attempt scheduled after a failure.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// IncrementFeedRead counts a received feed message and its payload size.
func IncrementFeedRead(size int) {
	atomic.AddInt64(&feedReads, 1)
	atomic.AddInt64(&feedBytes, int64(size))
}

// IncrementFlush counts a batch snapshot handed to the archive writer.
func IncrementFlush() {
	atomic.AddInt64(&flushes, 1)
}

// IncrementUploadRetry counts a failed upload attempt that will be retried.
func IncrementUploadRetry() {
	atomic.AddInt64(&uploadRetries, 1)
}

// IncrementUploadOK counts a durably archived object and its size.
func IncrementUploadOK(size int64) {
	atomic.AddInt64(&uploadsOK, 1)
	atomic.AddInt64(&bytesArchived, size)
}

// IncrementUploadFailed counts a flush whose retries were exhausted.
func IncrementUploadFailed() {
	atomic.AddInt64(&uploadsFailed, 1)
}

// IncrementBatchRetained counts a batch kept in memory after a failed flush.
func IncrementBatchRetained() {
	atomic.AddInt64(&batchesRetained, 1)
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_reader":    atomic.LoadInt64(&errorsReader),
		"errors_archiver":  atomic.LoadInt64(&errorsArchiver),
		"warns_reader":     atomic.LoadInt64(&warnsReader),
		"warns_archiver":   atomic.LoadInt64(&warnsArchiver),
		"connects":         atomic.LoadInt64(&connects),
		"reconnects":       atomic.LoadInt64(&reconnects),
		"feed_reads":       atomic.LoadInt64(&feedReads),
		"feed_bytes":       atomic.LoadInt64(&feedBytes),
		"flushes":          atomic.LoadInt64(&flushes),
		"upload_retries":   atomic.LoadInt64(&uploadRetries),
		"uploads_ok":       atomic.LoadInt64(&uploadsOK),
		"uploads_failed":   atomic.LoadInt64(&uploadsFailed),
		"bytes_archived":   atomic.LoadInt64(&bytesArchived),
		"batches_retained": atomic.LoadInt64(&batchesRetained),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		{MetricName: aws.String("Connects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&connects)))},
		{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconnects)))},
		{MetricName: aws.String("FeedReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&feedReads)))},
		{MetricName: aws.String("FeedBytes"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(atomic.LoadInt64(&feedBytes)))},
		{MetricName: aws.String("Flushes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&flushes)))},
		{MetricName: aws.String("UploadRetries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&uploadRetries)))},
		{MetricName: aws.String("UploadsOK"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&uploadsOK)))},
		{MetricName: aws.String("UploadsFailed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&uploadsFailed)))},
		{MetricName: aws.String("BytesArchived"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(atomic.LoadInt64(&bytesArchived)))},
		{MetricName: aws.String("BatchesRetained"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&batchesRetained)))},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}

	publishMetrics(ctx, data)
}
