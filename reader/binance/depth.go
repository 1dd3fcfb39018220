package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	appconfig "depthflow/config"
	"depthflow/logger"
	"depthflow/models"
)

// MessageSink receives every feed message in arrival order. The reader calls
// Accept before issuing the next read, so the sink sees wire order.
type MessageSink interface {
	Accept(msg models.RawMessage)
}

// DepthReader owns the websocket connection to the Binance combined depth
// stream: it dials, reads with a bounded deadline, stamps each message at
// receipt, and reconnects with capped exponential backoff on any failure.
// Only context cancellation is terminal; every connection fault is retryable.
type DepthReader struct {
	cfg     *appconfig.Config
	sink    MessageSink
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewDepthReader(cfg *appconfig.Config, sink MessageSink) *DepthReader {
	return &DepthReader{
		cfg:  cfg,
		sink: sink,
		wg:   &sync.WaitGroup{},
		log:  logger.GetLogger(),
	}
}

// Start connects to the combined depth stream. If the connection drops it is
// re-established automatically until the context is cancelled.
func (r *DepthReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("depth reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	url := r.streamURL()
	r.log.WithComponent("depth_reader").WithFields(logger.Fields{
		"url":             url,
		"receive_timeout": r.cfg.Reader.ReceiveTimeout.String(),
	}).Info("starting depth reader")

	r.wg.Add(1)
	go r.stream(url)

	r.log.WithComponent("depth_reader").Info("depth reader started successfully")
	return nil
}

// Stop waits for the stream goroutine to finish.
func (r *DepthReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("depth_reader").Info("stopping depth reader")
	r.wg.Wait()
	r.log.WithComponent("depth_reader").Info("depth reader stopped")
}

func (r *DepthReader) streamURL() string {
	return fmt.Sprintf("%s?streams=%s", r.cfg.Source.Binance.URL, r.cfg.Source.Binance.StreamName())
}

// stream handles the connection lifecycle: dial, receive, reconnect. The
// backoff delay doubles on consecutive failures up to the cap and resets to
// the minimum after a successful connect.
func (r *DepthReader) stream(url string) {
	defer r.wg.Done()

	log := r.log.WithComponent("depth_reader").WithFields(logger.Fields{"worker": "depth_stream"})

	bo := &backoff.Backoff{
		Min:    r.cfg.Reader.Backoff.MinDelay,
		Max:    r.cfg.Reader.Backoff.MaxDelay,
		Factor: 2,
		Jitter: false,
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(r.ctx, url, nil)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			delay := bo.Duration()
			log.WithError(err).WithFields(logger.Fields{
				"retry_after": delay.String(),
			}).Warn("failed to connect websocket, retrying")
			logger.IncrementReconnect()
			if !r.sleep(delay) {
				return
			}
			continue
		}

		bo.Reset()
		log.Info("websocket connected")
		logger.IncrementConnect()

		r.receiveLoop(conn)
		conn.Close()

		if r.ctx.Err() != nil {
			return
		}

		delay := bo.Duration()
		log.WithFields(logger.Fields{"retry_after": delay.String()}).Warn("websocket disconnected, reconnecting")
		logger.IncrementReconnect()
		if !r.sleep(delay) {
			return
		}
	}
}

// receiveLoop reads messages until the connection fails, the feed goes stale,
// or the context is cancelled. Each read is bounded by the receive timeout so
// shutdown and stale-feed detection never depend on the remote peer. A
// watcher closes the socket on cancellation to unblock a pending read.
func (r *DepthReader) receiveLoop(conn *websocket.Conn) {
	log := r.log.WithComponent("depth_reader").WithFields(logger.Fields{"worker": "depth_stream"})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if r.ctx.Err() != nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(r.cfg.Reader.ReceiveTimeout)); err != nil {
			log.WithError(err).Warn("failed to set read deadline")
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				log.WithFields(logger.Fields{
					"receive_timeout": r.cfg.Reader.ReceiveTimeout.String(),
				}).Warn("no message within receive timeout, reconnecting")
			} else {
				log.WithError(err).Warn("websocket read error, reconnecting")
			}
			return
		}

		// Stamp at receipt and hand off before the next read; the reader
		// itself buffers nothing.
		r.sink.Accept(models.RawMessage{
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		})
		logger.IncrementFeedRead(len(payload))
	}
}

// sleep waits for the backoff delay, returning false if cancelled.
func (r *DepthReader) sleep(delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-r.ctx.Done():
		return false
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
