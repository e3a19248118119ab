// Package summary is the client side of the streaming summarization
// protocol: one JSON request per exchange over a WebSocket, answered by zero
// or more stream chunks and a single terminal result.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	apperrors "github.com/GriffinCanCode/recap/internal/errors"
	"github.com/GriffinCanCode/recap/internal/metrics"
	"github.com/GriffinCanCode/recap/internal/resilience"
	"github.com/GriffinCanCode/recap/internal/syncx"
	"github.com/GriffinCanCode/recap/internal/trace"
)

// Client defaults
const (
	DefaultBypassBytes    = 50
	DefaultConnectTimeout = 10 * time.Second
	DefaultReceiveTimeout = 60 * time.Second
	DefaultReadLimit      = 1 << 20
	DefaultClientName     = "mobile"
)

// errNoMessage marks a receive that timed out on a live connection.
var errNoMessage = errors.New("summarizer sent nothing")

// Exchange outcomes, used as metric labels.
const (
	OutcomeComplete  = "complete"
	OutcomeBypass    = "bypass"
	OutcomeTransport = "transport_error"
	OutcomeProtocol  = "protocol_error"
	OutcomeCancelled = "cancelled"
)

// Config for the client.
type Config struct {
	BypassBytes    int           // inputs shorter than this skip the network
	ConnectTimeout time.Duration // dial + handshake
	ReceiveTimeout time.Duration // max wait for each server message
	ReadLimit      int64         // max server message size
	Token          string        // optional bearer token for the handshake
	Parameters     Parameters
	Breaker        resilience.Config
}

func (c Config) withDefaults() Config {
	if c.BypassBytes <= 0 {
		c.BypassBytes = DefaultBypassBytes
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.Parameters.Client == "" {
		c.Parameters.Client = DefaultClientName
	}
	if c.Breaker.Name == "" {
		c.Breaker.Name = "summarizer"
	}
	return c
}

// Request is one summarization call.
type Request struct {
	RawText  string
	Prompt   string
	Endpoint string
}

// Client runs at most one exchange at a time. Starting a new exchange
// cancels the outstanding one.
type Client struct {
	cfg     Config
	breaker *resilience.Breaker
	metrics *metrics.Metrics

	mu       sync.Mutex
	conn     *websocket.Conn
	endpoint string
	active   *exchange
}

// New creates a client. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Client {
	cfg = cfg.withDefaults()
	b := resilience.New(cfg.Breaker).WithHook(func(_, to resilience.State) {
		m.BreakerState(cfg.Breaker.Name, int(to))
	})
	return &Client{cfg: cfg, breaker: b, metrics: m}
}

type exchange struct {
	ctx       context.Context
	cancel    context.CancelFunc
	settled   syncx.Latch
	cancelled atomic.Bool
	partial   syncx.RWGuard[string]

	// deliver is held while a chunk is handed to the caller.
	deliver sync.Mutex
}

// abort makes the exchange lose any pending race with its terminal result.
// Once it returns no chunk callback is running or will start.
func (ex *exchange) abort() {
	if ex.settled.Fire() {
		ex.cancelled.Store(true)
	}
	ex.cancel()
	ex.deliver.Lock()
	ex.partial.Set("")
	ex.deliver.Unlock()
}

// chunk hands s to onChunk unless the exchange has already settled.
func (ex *exchange) chunk(s string, onChunk func(string)) bool {
	ex.deliver.Lock()
	defer ex.deliver.Unlock()
	if ex.settled.Fired() {
		return false
	}
	ex.append(s)
	if onChunk != nil {
		onChunk(s)
	}
	return true
}

func (ex *exchange) append(s string) {
	ex.partial.Write(func(p *string) { *p += s })
}

func (ex *exchange) text() string {
	return ex.partial.Get()
}

// Send performs one exchange and returns the terminal answer. onChunk
// receives stream chunks in arrival order; it is never called after Send has
// returned or after Cancel. Cancel waits for a running onChunk, so onChunk
// must not wait on the goroutine that cancels. Inputs shorter than
// BypassBytes are returned unchanged without touching the network.
func (c *Client) Send(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	if len(req.RawText) < c.cfg.BypassBytes {
		c.metrics.ExchangeFinished(OutcomeBypass, 0)
		return req.RawText, nil
	}

	ctx, span := trace.StartSpan(ctx, "summary_exchange")
	defer span.End()
	span.SetAttr("endpoint", req.Endpoint)
	span.SetAttr("bytes", len(req.RawText))
	log := trace.Logger(ctx)

	start := time.Now()
	ex := c.begin(ctx)
	defer c.finish(ex)

	answer, err := c.run(ex, req, onChunk)
	outcome := outcomeOf(err)
	c.metrics.ExchangeFinished(outcome, time.Since(start))
	span.SetAttr("outcome", outcome)

	switch {
	case err == nil:
		log.Info("summary complete", "answer_chars", len(answer), "duration", time.Since(start))
	case outcome == OutcomeCancelled:
		log.Debug("summary cancelled")
	default:
		log.Warn("summary failed", "error", err)
	}
	return answer, err
}

func (c *Client) begin(ctx context.Context) *exchange {
	exCtx, cancel := context.WithCancel(ctx)
	ex := &exchange{ctx: exCtx, cancel: cancel}

	c.mu.Lock()
	prev := c.active
	var stale *websocket.Conn
	if prev != nil {
		// The old exchange may have unread messages queued on its connection.
		stale, c.conn, c.endpoint = c.conn, nil, ""
	}
	c.active = ex
	c.mu.Unlock()

	if prev != nil {
		trace.Logger(ctx).Info("replacing in-flight summary exchange")
		prev.abort()
		if stale != nil {
			_ = stale.CloseNow()
		}
	}
	return ex
}

func (c *Client) finish(ex *exchange) {
	c.mu.Lock()
	if c.active == ex {
		c.active = nil
	}
	c.mu.Unlock()
	ex.cancel()
}

func (c *Client) run(ex *exchange, req Request, onChunk func(string)) (string, error) {
	payload, err := json.Marshal(Envelope{
		Input:      Input{Prompt: req.Prompt, RawText: req.RawText},
		Parameters: c.cfg.Parameters,
	})
	if err != nil {
		return "", c.fail(ex, apperrors.Wrap(err, apperrors.KindProtocol, "encode request"))
	}

	conn, reused, err := c.connect(ex.ctx, req.Endpoint)
	if err != nil {
		return "", c.fail(ex, err)
	}
	data, err := c.open(ex.ctx, conn, payload)

	// A prepared connection may have been closed by the server while idle.
	// It has carried nothing yet, so one fresh connection can take over.
	if err != nil && reused && ex.ctx.Err() == nil && !errors.Is(err, errNoMessage) {
		c.discard(conn)
		trace.Logger(ex.ctx).Info("prepared summarizer connection went stale, redialing", "error", err)
		if conn, _, err = c.connect(ex.ctx, req.Endpoint); err != nil {
			return "", c.fail(ex, err)
		}
		data, err = c.open(ex.ctx, conn, payload)
	}

	for {
		if err != nil {
			c.discard(conn)
			return "", c.fail(ex, err)
		}

		msg, derr := Decode(data)
		if derr != nil {
			c.discard(conn)
			return "", c.fail(ex, derr)
		}

		if msg.Terminal {
			if !ex.settled.Fire() {
				return "", cancelledErr(nil)
			}
			c.release(conn)
			return msg.Answer, nil
		}

		if !ex.chunk(msg.Data, onChunk) {
			return "", cancelledErr(nil)
		}
		c.metrics.ChunkReceived()

		data, err = c.receive(ex.ctx, conn)
	}
}

// open sends the request and waits for the first server message.
func (c *Client) open(ctx context.Context, conn *websocket.Conn, payload []byte) ([]byte, error) {
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTransport, "send request")
	}
	return c.receive(ctx, conn)
}

func (c *Client) receive(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiveTimeout)
	defer cancel()

	_, data, err := conn.Read(rctx)
	if err == nil {
		return data, nil
	}
	if ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return nil, apperrors.Wrapf(errors.Join(errNoMessage, err), apperrors.KindTransport,
			"no server message within %s", c.cfg.ReceiveTimeout)
	}
	return nil, apperrors.Wrap(err, apperrors.KindTransport, "receive").
		WithMetadata("close_status", websocket.CloseStatus(err).String())
}

// fail settles the exchange with err unless a cancellation got there first.
func (c *Client) fail(ex *exchange, err error) error {
	if !ex.settled.Fire() || ex.cancelled.Load() || ex.ctx.Err() != nil {
		return cancelledErr(err)
	}
	return err
}

func cancelledErr(cause error) error {
	return apperrors.Wrap(cause, apperrors.KindCancelled, "summary request cancelled")
}

func outcomeOf(err error) string {
	switch apperrors.KindOf(err) {
	case apperrors.KindUnknown:
		if err == nil {
			return OutcomeComplete
		}
		return OutcomeTransport
	case apperrors.KindCancelled:
		return OutcomeCancelled
	case apperrors.KindProtocol:
		return OutcomeProtocol
	default:
		return OutcomeTransport
	}
}

// connect returns the prepared connection for endpoint or dials a new one.
// reused reports that the connection came from Prepare.
func (c *Client) connect(ctx context.Context, endpoint string) (conn *websocket.Conn, reused bool, err error) {
	c.mu.Lock()
	if c.conn != nil && c.endpoint == endpoint {
		prepared := c.conn
		c.mu.Unlock()
		return prepared, true, nil
	}
	stale := c.conn
	c.conn, c.endpoint = nil, ""
	c.mu.Unlock()

	if stale != nil {
		_ = stale.CloseNow()
	}

	conn, err = c.dial(ctx, endpoint)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.conn, c.endpoint = conn, endpoint
	c.mu.Unlock()
	return conn, false, nil
}

func (c *Client) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTransport, "summarizer temporarily unavailable").
			WithMetadata("endpoint", endpoint)
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if tc, ok := trace.FromContext(ctx); ok {
		header.Set(trace.TraceIDKey, tc.TraceID)
		header.Set(trace.SpanIDKey, tc.SpanID)
	}

	conn, _, err := websocket.Dial(dctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		// An abandoned dial says nothing about the summarizer.
		if ctx.Err() != nil {
			c.breaker.Release()
		} else {
			c.breaker.Failure()
		}
		return nil, apperrors.Wrap(err, apperrors.KindTransport, "connect to summarizer").
			WithMetadata("endpoint", endpoint)
	}
	c.breaker.Success()
	conn.SetReadLimit(c.cfg.ReadLimit)
	trace.Logger(ctx).Debug("summarizer connected", "endpoint", endpoint)
	return conn, nil
}

// discard drops conn without a close handshake.
func (c *Client) discard(conn *websocket.Conn) {
	c.forget(conn)
	_ = conn.CloseNow()
}

// release closes conn cleanly after a completed exchange.
func (c *Client) release(conn *websocket.Conn) {
	c.forget(conn)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) forget(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn, c.endpoint = nil, ""
	}
	c.mu.Unlock()
}

// Prepare opens a connection to endpoint ahead of the next Send. An open
// connection to the same endpoint is kept; one to another endpoint is torn
// down first. While an exchange is outstanding Prepare does nothing.
func (c *Client) Prepare(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	if c.active != nil || (c.conn != nil && c.endpoint == endpoint) {
		c.mu.Unlock()
		return nil
	}
	stale := c.conn
	c.conn, c.endpoint = nil, ""
	c.mu.Unlock()

	if stale != nil {
		_ = stale.CloseNow()
	}

	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil || c.conn != nil {
		_ = conn.CloseNow()
		return nil
	}
	c.conn, c.endpoint = conn, endpoint
	return nil
}

// Cancel aborts the outstanding exchange, if any, and closes the connection.
// The aborted Send returns a cancelled error and delivers no more callbacks.
// It is safe to call at any time and more than once.
func (c *Client) Cancel() {
	c.mu.Lock()
	ex := c.active
	conn := c.conn
	c.active, c.conn, c.endpoint = nil, nil, ""
	c.mu.Unlock()

	if ex != nil {
		ex.abort()
	}
	if conn != nil {
		_ = conn.CloseNow()
	}
}

// Partial returns the chunk text received so far by the outstanding exchange.
func (c *Client) Partial() string {
	c.mu.Lock()
	ex := c.active
	c.mu.Unlock()
	if ex == nil {
		return ""
	}
	return ex.text()
}

// Connected reports whether a connection is currently held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
