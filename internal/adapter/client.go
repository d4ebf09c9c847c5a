// Package adapter maintains the TCP connections to machine adapters. Each
// client owns one connection, reads newline-delimited SHDR, feeds parsed
// results into the ingest sequencer, and reconnects with bounded
// exponential backoff when the adapter goes away.
package adapter

import (
	"bufio"
	"context"
	"log"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/micheletedeschi/mtconnect-agent/internal/debug"
	"github.com/micheletedeschi/mtconnect-agent/internal/shdr"
	"github.com/micheletedeschi/mtconnect-agent/internal/telemetry"
)

const (
	reconnectInitial = 100 * time.Millisecond
	reconnectMax     = 30 * time.Second
	dialTimeout      = 10 * time.Second

	// maxLineBytes bounds one SHDR line; TIME_SERIES payloads can run long.
	maxLineBytes = 1 << 20
)

// Sink receives parsed results. Satisfied by the ingest sequencer.
type Sink interface {
	Submit(*shdr.Result)
}

// Client reads SHDR from one adapter endpoint on behalf of one device.
type Client struct {
	Addr       string
	DeviceUUID string

	parser  *shdr.Parser
	sink    Sink
	metrics *telemetry.Metrics
}

// NewClient creates an adapter client. metrics may be nil.
func NewClient(addr, deviceUUID string, parser *shdr.Parser, sink Sink, metrics *telemetry.Metrics) *Client {
	return &Client{
		Addr:       addr,
		DeviceUUID: deviceUUID,
		parser:     parser,
		sink:       sink,
		metrics:    metrics,
	}
}

// newReconnectBackoff returns the retry policy for a lost adapter
// connection. BackOff implementations are stateful; always a fresh one.
func newReconnectBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitial
	bo.MaxInterval = reconnectMax
	bo.MaxElapsedTime = 0 // retry until cancelled
	return bo
}

// Run connects and reads until ctx is cancelled. Connection loss is a
// transient error: the client waits out the backoff and dials again.
func (c *Client) Run(ctx context.Context) error {
	bo := newReconnectBackoff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", c.Addr)
		if err != nil {
			wait := bo.NextBackOff()
			log.Printf("adapter %s: connect failed: %v (retry in %v)", c.Addr, err, wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		log.Printf("adapter %s: connected (device %s)", c.Addr, c.DeviceUUID)
		bo.Reset()

		c.readLines(ctx, conn)
		_ = conn.Close()

		if err := ctx.Err(); err != nil {
			return err
		}
		log.Printf("adapter %s: disconnected, will reconnect", c.Addr)
	}
}

// readLines consumes the connection until EOF, error, or cancellation. A
// pending multi-line asset body that the connection drops mid-way is
// discarded.
func (c *Client) readLines(ctx context.Context, conn net.Conn) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var pending *shdr.Result
	for scanner.Scan() {
		line := scanner.Text()

		if pending != nil {
			if pending.Continue(line) {
				c.sink.Submit(pending)
				pending = nil
			}
			continue
		}

		res, err := c.parser.Parse(line, c.DeviceUUID)
		if err != nil {
			telemetry.Add(ctx, c.metrics.ParseErrorsCounter(), 1)
			debug.Logf("adapter %s: %v\n", c.Addr, err)
			continue
		}
		if res.Pending() {
			pending = res
			continue
		}
		c.sink.Submit(res)
	}

	if pending != nil {
		log.Printf("adapter %s: connection dropped inside multi-line asset, discarding buffer", c.Addr)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		debug.Logf("adapter %s: read error: %v\n", c.Addr, err)
	}
}
