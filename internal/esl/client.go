package esl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAccessDenied is returned when the switch rejects the auth password.
var ErrAccessDenied = errors.New("access denied")

// ErrClosed is returned when an operation races with Close.
var ErrClosed = errors.New("connection closed")

// Client owns one TCP connection to the switch's Event Socket. It decodes
// inbound frames on a reader goroutine, correlates command replies in FIFO
// order, and delivers event frames on a buffered channel. The socket is
// never touched by any other component.
type Client struct {
	addr    string
	conn    net.Conn
	dec     *Decoder
	writeMu sync.Mutex

	eventChan chan *Frame
	errorChan chan error

	pendingMu sync.Mutex
	pending   []chan *Frame

	cmdTimeout time.Duration

	closed   atomic.Bool
	closedCh chan struct{}

	verbose bool
}

// NewClient creates a client for the given Event Socket address.
func NewClient(addr string, verbose bool) *Client {
	return &Client{
		addr:       addr,
		eventChan:  make(chan *Frame, 100),
		errorChan:  make(chan error, 1),
		closedCh:   make(chan struct{}),
		cmdTimeout: 5 * time.Second,
		verbose:    verbose,
	}
}

// Connect dials the switch and starts the reader goroutine.
func (c *Client) Connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to event socket at %s: %w", c.addr, err)
	}

	c.conn = conn
	c.dec = NewDecoder(conn)

	go c.readLoop()

	log.Printf("[ESL] Connected to %s", c.addr)
	return nil
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}
	close(c.closedCh)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Events returns the channel of decoded event frames.
func (c *Client) Events() <-chan *Frame {
	return c.eventChan
}

// Errors returns the channel of transport faults.
func (c *Client) Errors() <-chan error {
	return c.errorChan
}

// readLoop decodes frames until the connection fails or is closed. Command
// replies go to the oldest pending waiter; event frames go to the event
// channel; anything else is dropped.
func (c *Client) readLoop() {
	defer close(c.eventChan)
	defer close(c.errorChan)

	for {
		select {
		case <-c.closedCh:
			return
		default:
		}

		frame, err := c.dec.Decode()
		if err != nil {
			if !c.closed.Load() {
				c.errorChan <- fmt.Errorf("reading from event socket: %w", err)
			}
			return
		}

		if c.verbose {
			log.Printf("[ESL] Received frame: content-type=%s event=%s",
				frame.ContentType(), frame.EventName())
		}

		switch frame.ContentType() {
		case "command/reply", "api/response":
			c.pendingMu.Lock()
			var waiter chan *Frame
			if len(c.pending) > 0 {
				waiter = c.pending[0]
				c.pending = c.pending[1:]
			}
			c.pendingMu.Unlock()
			if waiter != nil {
				waiter <- frame
			} else if c.verbose {
				log.Printf("[ESL] Unsolicited reply dropped: %s", frame.ContentType())
			}
			continue
		case "auth/request":
			// The switch's auth banner; Authenticate answers it.
			continue
		}

		if frame.EventName() == "" {
			if c.verbose {
				log.Printf("[ESL] Frame without Event-Name dropped")
			}
			continue
		}

		select {
		case c.eventChan <- frame:
		default:
			log.Printf("[ESL] Event channel full, dropping %s", frame.EventName())
		}
	}
}

// send writes one command line to the socket.
func (c *Client) send(cmd string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write([]byte(cmd + "\n"))
	if err != nil {
		return fmt.Errorf("sending %q: %w", cmd, err)
	}
	return nil
}

// Command sends a command and waits for its reply frame.
func (c *Client) Command(ctx context.Context, cmd string) (*Frame, error) {
	respChan := make(chan *Frame, 1)
	c.pendingMu.Lock()
	c.pending = append(c.pending, respChan)
	c.pendingMu.Unlock()

	if err := c.send(cmd); err != nil {
		c.dropPending(respChan)
		return nil, err
	}

	select {
	case frame := <-respChan:
		return frame, nil
	case <-ctx.Done():
		c.dropPending(respChan)
		return nil, ctx.Err()
	case <-c.closedCh:
		c.dropPending(respChan)
		return nil, ErrClosed
	case <-time.After(c.cmdTimeout):
		c.dropPending(respChan)
		return nil, fmt.Errorf("command timeout: %s", cmd)
	}
}

func (c *Client) dropPending(ch chan *Frame) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, p := range c.pending {
		if p == ch {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Authenticate sends the auth command and inspects the command reply. The
// reply never reaches the event channel.
func (c *Client) Authenticate(ctx context.Context, password string) error {
	reply, err := c.Command(ctx, "auth "+password)
	if err != nil {
		return err
	}
	if replyDenied(reply) {
		return ErrAccessDenied
	}
	return nil
}

// Subscribe asks for all events in plain text encoding.
func (c *Client) Subscribe(ctx context.Context) error {
	reply, err := c.Command(ctx, "event plain all")
	if err != nil {
		return err
	}
	if replyDenied(reply) {
		return fmt.Errorf("event subscription rejected: %s", reply.Get("Reply-Text"))
	}
	return nil
}

// API runs an api command and returns the response body.
func (c *Client) API(ctx context.Context, command string) ([]byte, error) {
	reply, err := c.Command(ctx, "api "+command)
	if err != nil {
		return nil, err
	}
	if len(reply.Body) > 0 {
		return reply.Body, nil
	}
	return []byte(reply.Get("Reply-Text")), nil
}

// replyDenied reports whether a command reply signals rejection.
func replyDenied(reply *Frame) bool {
	if strings.Contains(reply.Get("Reply-Text"), "Access Denied") {
		return true
	}
	return strings.Contains(string(reply.Body), "Access Denied")
}
