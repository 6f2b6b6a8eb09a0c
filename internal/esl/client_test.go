package esl

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeSwitch is a minimal Event Socket server: it answers auth and
// subscription commands and can push event frames at the client.
type fakeSwitch struct {
	t        *testing.T
	ln       net.Listener
	password string
	listing  string

	conns chan net.Conn
}

func newFakeSwitch(t *testing.T, password string) *fakeSwitch {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeSwitch{
		t:        t,
		ln:       ln,
		password: password,
		conns:    make(chan net.Conn, 4),
	}
	t.Cleanup(func() { ln.Close() })
	go fs.acceptLoop()
	return fs
}

func (fs *fakeSwitch) addr() string { return fs.ln.Addr().String() }

func (fs *fakeSwitch) acceptLoop() {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		fs.conns <- conn
		go fs.serve(conn)
	}
}

func (fs *fakeSwitch) serve(conn net.Conn) {
	conn.Write([]byte("Content-Type: auth/request\n\n"))
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "auth "):
			if strings.TrimPrefix(line, "auth ") == fs.password {
				conn.Write([]byte("Content-Type: command/reply\nReply-Text: +OK accepted\n\n"))
			} else {
				conn.Write([]byte("Content-Type: command/reply\nReply-Text: -ERR invalid\nAccess Denied, Invalid Password\n\n"))
			}
		case line == "event plain all":
			conn.Write([]byte("Content-Type: command/reply\nReply-Text: +OK event listener enabled plain\n\n"))
		case strings.HasPrefix(line, "api "):
			body := fs.listing
			conn.Write([]byte("Content-Type: api/response\nContent-Length: " +
				strconv.Itoa(len(body)) + "\n\n" + body))
		}
	}
}

// pushEvent writes a raw event frame on the most recent connection.
func (fs *fakeSwitch) pushEvent(frame string) {
	select {
	case conn := <-fs.conns:
		fs.conns <- conn
		conn.Write([]byte(frame))
	case <-time.After(2 * time.Second):
		fs.t.Fatalf("no connection to push event on")
	}
}

func connectedClient(t *testing.T, fs *fakeSwitch) *Client {
	t.Helper()
	c := NewClient(fs.addr(), false)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientAuthenticateAccepted(t *testing.T) {
	fs := newFakeSwitch(t, "ClueCon")
	c := connectedClient(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Authenticate(ctx, "ClueCon"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestClientAuthenticateRejected(t *testing.T) {
	fs := newFakeSwitch(t, "ClueCon")
	c := connectedClient(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Authenticate(ctx, "wrong")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Authenticate with bad password: err = %v, want ErrAccessDenied", err)
	}
}

func TestClientSubscribeAndReceiveEvents(t *testing.T) {
	fs := newFakeSwitch(t, "ClueCon")
	c := connectedClient(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Authenticate(ctx, "ClueCon"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	fs.pushEvent("Event-Name: CUSTOM\nEvent-Subclass: sofia::register\nfrom-user: 1001\n\n")

	select {
	case frame := <-c.Events():
		if frame.Get("from-user") != "1001" {
			t.Errorf("from-user = %q, want 1001", frame.Get("from-user"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event frame")
	}
}

func TestClientAPIReturnsBody(t *testing.T) {
	fs := newFakeSwitch(t, "ClueCon")
	fs.listing = "<user>1001</user><user>1002</user>"
	c := connectedClient(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Authenticate(ctx, "ClueCon"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	body, err := c.API(ctx, "show registrations as xml")
	if err != nil {
		t.Fatalf("API: %v", err)
	}
	if string(body) != fs.listing {
		t.Errorf("API body = %q, want %q", body, fs.listing)
	}
}

func TestClientRepliesNeverReachEventChannel(t *testing.T) {
	fs := newFakeSwitch(t, "ClueCon")
	c := connectedClient(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Authenticate(ctx, "ClueCon"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	select {
	case frame := <-c.Events():
		t.Fatalf("unexpected event frame: %v", frame.Names())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	fs := newFakeSwitch(t, "ClueCon")
	c := connectedClient(t, fs)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
