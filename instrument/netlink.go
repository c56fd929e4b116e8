package instrument

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"
)

var (
	_ Instrument = (*NetLink)(nil)
	_ Sender     = (*NetLink)(nil)
	_ Opener     = (*NetOpener)(nil)
)

// ErrClosed is returned by a link that has been closed.
var ErrClosed = errors.New("instrument link closed")

// LinkConfig tunes a NetLink.
type LinkConfig struct {
	// CommandRate bounds how many commands per second reach the device.
	CommandRate rate.Limit
	// Quiet is how long the link waits for more bytes once a reply has
	// started before considering it complete.
	Quiet time.Duration
	Log   log.Logger
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.CommandRate == 0 {
		c.CommandRate = rate.Limit(20)
	}
	if c.Quiet == 0 {
		c.Quiet = 100 * time.Millisecond
	}
	if c.Log == nil {
		c.Log = log.New()
	}
	return c
}

// NetLink talks to a device exposed over TCP, typically a serial port behind
// a device server. Replies are read until the line goes quiet or the command
// timeout expires.
type NetLink struct {
	name    string
	conn    net.Conn
	rd      *bufio.Reader
	limiter *rate.Limiter
	cfg     LinkConfig

	mu     sync.Mutex
	closed bool
}

// Dial opens a link to addr.
func Dial(ctx context.Context, name, addr string, cfg LinkConfig) (*NetLink, error) {
	cfg = cfg.withDefaults()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s on %s: %w", name, addr, err)
	}
	cfg.Log.Debug("Instrument link opened", "name", name, "addr", addr)
	return &NetLink{
		name:    name,
		conn:    conn,
		rd:      bufio.NewReader(conn),
		limiter: rate.NewLimiter(cfg.CommandRate, 1),
		cfg:     cfg,
	}, nil
}

func (l *NetLink) Name() string {
	return l.name
}

func (l *NetLink) write(ctx context.Context, cmd string) error {
	if l.closed {
		return ErrClosed
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(deadline)
	} else {
		_ = l.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := l.conn.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("failed to write to %s: %w", l.name, err)
	}
	return nil
}

// Send writes cmd without reading a reply.
func (l *NetLink) Send(ctx context.Context, cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write(ctx, cmd)
}

// SendCommand writes cmd and returns the reply with surrounding line breaks
// removed.
func (l *NetLink) SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.write(ctx, cmd); err != nil {
		return "", err
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var sb strings.Builder
	buf := make([]byte, 512)
	for {
		readBy := deadline
		if sb.Len() > 0 {
			if quiet := time.Now().Add(l.cfg.Quiet); quiet.Before(readBy) {
				readBy = quiet
			}
		}
		_ = l.conn.SetReadDeadline(readBy)
		n, err := l.rd.Read(buf)
		sb.Write(buf[:n])
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if sb.Len() > 0 {
				break
			}
			return "", fmt.Errorf("no reply from %s to %q within %s", l.name, strings.TrimSpace(cmd), timeout)
		}
		if sb.Len() > 0 {
			break
		}
		return "", fmt.Errorf("failed to read from %s: %w", l.name, err)
	}
	resp := strings.Trim(sb.String(), "\r\n")
	l.cfg.Log.Trace("Instrument exchange", "name", l.name, "cmd", strings.TrimSpace(cmd), "resp", resp)
	return resp, nil
}

func (l *NetLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}

// NetOpener opens NetLinks, treating the configured port as a host:port
// address.
type NetOpener struct {
	Config      LinkConfig
	DialTimeout time.Duration
}

func (o *NetOpener) Open(ctx context.Context, name, port string) (Instrument, error) {
	if port == "" {
		return nil, fmt.Errorf("no port configured for %s", name)
	}
	if o.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.DialTimeout)
		defer cancel()
	}
	return Dial(ctx, name, port, o.Config)
}
