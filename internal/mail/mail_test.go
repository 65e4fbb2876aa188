package mail_test

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/sentinel/internal/mail"
	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/queue"
)

// fakeSMTP is a minimal single-connection-at-a-time SMTP server. rcptReply
// is sent in answer to RCPT TO.
type fakeSMTP struct {
	ln        net.Listener
	rcptReply string
	stall     bool

	mu   sync.Mutex
	data []string
}

func startSMTP(t *testing.T, rcptReply string, stall bool) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeSMTP{ln: ln, rcptReply: rcptReply, stall: stall}
	t.Cleanup(func() { _ = ln.Close() })
	go f.serve()
	return f
}

func (f *fakeSMTP) addr() string { return f.ln.Addr().String() }

func (f *fakeSMTP) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeSMTP) handle(conn net.Conn) {
	defer conn.Close()
	if f.stall {
		time.Sleep(2 * time.Second)
		return
	}
	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 localhost ESMTP fake")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			_ = tp.PrintfLine("250 localhost")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			_ = tp.PrintfLine("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO"):
			_ = tp.PrintfLine("%s", f.rcptReply)
		case cmd == "DATA":
			_ = tp.PrintfLine("354 go ahead")
			body, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.data = append(f.data, strings.Join(body, "\n"))
			f.mu.Unlock()
			_ = tp.PrintfLine("250 queued")
		case cmd == "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("250 OK")
		}
	}
}

func (f *fakeSMTP) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.data...)
}

func alert() model.Alert {
	return model.Alert{ID: 1, RecipientEmail: "owner@example.com", Subject: "Sentinel: HIGH risk", Body: "line one\nline two"}
}

func sender(addr string) *mail.Sender {
	return mail.New(mail.Config{Addr: addr, From: "Sentinel <sentinel@example.com>"})
}

func TestSend_Delivered(t *testing.T) {
	srv := startSMTP(t, "250 OK", false)
	if err := sender(srv.addr()).Send(context.Background(), alert()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := srv.messages()
	if len(msgs) != 1 {
		t.Fatalf("server got %d messages, want 1", len(msgs))
	}
	for _, want := range []string{"Subject: Sentinel: HIGH risk", "To: <owner@example.com>", "line two"} {
		if !strings.Contains(msgs[0], want) {
			t.Errorf("message missing %q:\n%s", want, msgs[0])
		}
	}
}

func TestSend_UnknownMailboxIsPermanent(t *testing.T) {
	srv := startSMTP(t, "550 5.1.1 no such user", false)
	err := sender(srv.addr()).Send(context.Background(), alert())
	if err == nil || queue.IsRecoverable(err) {
		t.Fatalf("Send err = %v, want permanent", err)
	}
}

func TestSend_MailboxBusyIsTemporary(t *testing.T) {
	srv := startSMTP(t, "450 4.2.1 mailbox busy", false)
	err := sender(srv.addr()).Send(context.Background(), alert())
	if err == nil || !queue.IsRecoverable(err) {
		t.Fatalf("Send err = %v, want temporary", err)
	}
}

func TestSend_ConnectionRefusedIsTemporary(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	err = sender(addr).Send(context.Background(), alert())
	var te *queue.TransportError
	if !errors.As(err, &te) || !te.Recoverable {
		t.Fatalf("Send err = %v, want temporary TransportError", err)
	}
}

func TestSend_StalledServerRespectsDeadline(t *testing.T) {
	srv := startSMTP(t, "250 OK", true)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := sender(srv.addr()).Send(ctx, alert())
	if err == nil || !queue.IsRecoverable(err) {
		t.Fatalf("Send err = %v, want temporary", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("Send took %v, want it bounded by the context deadline", took)
	}
}

func TestSend_InvalidRecipientIsPermanent(t *testing.T) {
	a := alert()
	a.RecipientEmail = "not an address"
	err := sender("127.0.0.1:1").Send(context.Background(), a)
	if err == nil || queue.IsRecoverable(err) {
		t.Fatalf("Send err = %v, want permanent", err)
	}
}
