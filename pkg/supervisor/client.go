// Package supervisor is the RPC client to the process running inside a
// sandbox container (spec §4.6): a hand-rolled length-prefixed JSON
// protocol over a net.Conn, not gRPC — the sandbox-internal process is
// untrusted control-plane-adjacent code, not a cluster member, so there's
// no certificate or service-mesh machinery to reuse from pkg/security.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sandboxd/pkg/log"
)

// PingInterval is the keep-alive cadence of spec §6 ("Keep-alive pings
// every 60s").
const PingInterval = 60 * time.Second

// DefaultConnectTimeout mirrors config.SupervisorConnectTimeout (spec §5);
// kept as a package-local default, overridable per call, the same way
// pkg/sandbox's StopGracePeriod is a local constant rather than an import
// of pkg/config.
const DefaultConnectTimeout = 7 * time.Second

// Port is the fixed TCP port every sandbox supervisor listens on inside
// the container's network namespace.
const Port = 7000

// ErrUnresponsive is returned when DialWithBackoff exhausts its deadline
// without completing a connection.
var ErrUnresponsive = fmt.Errorf("supervisor: unresponsive")

// Client is one RPC connection to a sandbox's supervisor process. It
// serializes request/response calls with a mutex: the wire protocol is a
// single logical stream, not multiplexed, the same constraint worker.go's
// one-conn-per-node gRPC channel had.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	logger zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	subscribeOnce sync.Once
	subscribedCh  chan struct{}
}

// DialWithBackoff opens a connection to addr (host:port or a Unix socket
// path), retrying with exponential backoff starting at 5ms and doubling
// each attempt, until connectTimeout elapses (spec §4.6: "exponential (5ms
// doubling), give up after 7s"). network is "tcp" or "unix".
func DialWithBackoff(ctx context.Context, network, addr string, connectTimeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(connectTimeout)
	delay := 5 * time.Millisecond

	var lastErr error
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s (last error: %v)", ErrUnresponsive, addr, lastErr)
		}

		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err == nil {
			c := &Client{
				conn:         conn,
				logger:       log.WithComponent("supervisor").With().Str("addr", addr).Logger(),
				stopCh:       make(chan struct{}),
				subscribedCh: make(chan struct{}),
			}
			go c.pingLoop()
			return c, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// Close ends the keep-alive loop and closes the underlying connection.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// call sends req and returns the peer's response envelope, holding the
// connection mutex for the round trip.
func (c *Client) call(req envelope) (envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFrame(c.conn, req); err != nil {
		return envelope{}, err
	}
	resp, err := readFrame(c.conn)
	if err != nil {
		return envelope{}, err
	}
	if resp.Error != "" {
		return envelope{}, fmt.Errorf("supervisor: %s", resp.Error)
	}
	return resp, nil
}

// Load asks the supervisor to declare the resources it needs for
// artifactPath, secrets and environment. The returned blobs are opaque to
// the supervisor client; the caller (pkg/scheduler's supervisor handshake)
// passes them to Start unmodified, with no external provisioner consulted.
func (c *Client) Load(ctx context.Context, artifactPath string, secrets, environment map[string]string) ([]json.RawMessage, error) {
	payload, err := json.Marshal(loadRequest{
		ArtifactPath: artifactPath,
		Secrets:      secrets,
		Environment:  environment,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.call(envelope{Method: methodLoad, Payload: payload})
	if err != nil {
		return nil, err
	}
	var out loadResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decoding load response: %w", err)
	}
	return out.Resources, nil
}

// Start tells the sandbox to begin serving on bindIP using the resolved
// resources returned by Load.
func (c *Client) Start(ctx context.Context, bindIP string, resources []json.RawMessage) error {
	payload, err := json.Marshal(startRequest{BindIP: bindIP, Resources: resources})
	if err != nil {
		return err
	}
	_, err = c.call(envelope{Method: methodStart, Payload: payload})
	return err
}

// HealthCheck succeeds if the supervisor responds without error.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.call(envelope{Method: methodHealthCheck})
	return err
}

// SubscribeStop sends the subscribe request and then dedicates this
// connection to streaming stop events for the rest of its life — no other
// call should be made on the same Client afterward. The returned channel
// is closed when the connection errors, the supervisor ends the stream, or
// ctx is cancelled.
func (c *Client) SubscribeStop(ctx context.Context) (<-chan StopReason, error) {
	c.mu.Lock()
	if err := writeFrame(c.conn, envelope{Method: methodSubscribeStop}); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	// Stop the keep-alive ping: it shares this connection's mutex and
	// would otherwise race the stream reader below over the same conn.
	c.subscribeOnce.Do(func() { close(c.subscribedCh) })

	events := make(chan StopReason)
	go func() {
		defer close(events)
		for {
			env, err := readFrame(c.conn)
			if err != nil {
				c.logger.Debug().Err(err).Msg("stop subscription ended")
				return
			}
			var ev stopEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				c.logger.Warn().Err(err).Msg("malformed stop event")
				continue
			}
			select {
			case events <- ev.Reason:
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
			if ev.Reason == StopReasonEnd || ev.Reason == StopReasonCrash {
				return
			}
		}
	}()
	return events, nil
}

// pingLoop sends a keep-alive ping every PingInterval (spec §6), closing
// the connection if the peer stops responding.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.subscribedCh:
			return
		case <-ticker.C:
			if _, err := c.call(envelope{Method: methodPing}); err != nil {
				c.logger.Warn().Err(err).Msg("keep-alive ping failed")
				return
			}
		}
	}
}
