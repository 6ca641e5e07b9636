// Package transport implements plain TCP dialing/listening plus the
// bounded-backoff reconnect and frame-decoding loop that both
// cmd/node (as a client of the relay) and internal/relay (as
// the relay's own listener) build on. The reconnect backoff is
// hedisam-ethtxparser/internal/eth.Client.doRequestWithRetry's
// cenkalti/backoff/v4 configuration, adapted from HTTP retries to TCP
// dials (spec.md §7's "Transport error": reconnect with bounded backoff).
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hedisam/pipeline/chans"

	"github.com/posforge/posforge/internal/wire"
)

// Conn wraps a net.Conn with buffered frame reading.
type Conn struct {
	raw net.Conn
	r   *bufio.Reader
}

func newConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, r: bufio.NewReader(raw)}
}

// Dial connects to addr, retrying with exponential backoff until ctx is
// done (spec.md §7's transport-error handling).
func Dial(ctx context.Context, addr string) (*Conn, error) {
	bk := backoff.WithContext(newExponentialBackOff(), ctx)
	conn, err := backoff.RetryWithData[net.Conn](func() (net.Conn, error) {
		c, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, backoff.Permanent(fmt.Errorf("dial %s: %w", addr, err))
			}
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return c, nil
	}, bk)
	if err != nil {
		return nil, err
	}
	return newConn(conn), nil
}

func newExponentialBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(0), // keep trying until ctx is done
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.2),
	)
}

// Send writes one message as a length-delimited frame.
func (c *Conn) Send(msg wire.Message) error {
	return wire.WriteMessage(c.raw, msg)
}

// Frames decodes the connection's inbound frames onto a channel until ctx
// is done or the connection errs/closes, then closes the channel.
func (c *Conn) Frames(ctx context.Context) <-chan wire.Message {
	out := make(chan wire.Message)
	go func() {
		defer close(out)
		for {
			msg, err := wire.ReadMessage(c.r)
			if err != nil {
				return
			}
			if !chans.SendOrDone(ctx, out, msg) {
				return
			}
		}
	}()
	return out
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// Listener accepts inbound TCP connections, handing each off to accept.
type Listener struct {
	ln net.Listener
}

// Listen starts listening on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks for the next inbound connection, wrapping it as a Conn.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(raw), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
