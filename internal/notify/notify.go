// Package notify delivers post-commit emails for payment lifecycle events.
// Delivery is best-effort: a notification failure never rolls back or delays
// the ledger mutation it announces.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

// Message is one outbound notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Notifier sends a message. Implementations must be safe for concurrent use.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Async dispatches a notification on its own goroutine after the triggering
// mutation has committed. Errors are logged and dropped.
func Async(notifier Notifier, msg Message) {
	if notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := notifier.Send(ctx, msg); err != nil {
			slog.Error("notification delivery failed", "to", msg.To, "subject", msg.Subject, "error", err)
		}
	}()
}

// SMTPNotifier sends mail through a plain SMTP relay.
type SMTPNotifier struct {
	addr string
	from string
}

// NewSMTPNotifier creates a notifier for the given relay address ("host:port")
// and sender.
func NewSMTPNotifier(addr, from string) *SMTPNotifier {
	return &SMTPNotifier{addr: addr, from: from}
}

// Send delivers the message via SMTP.
func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)

	if err := smtp.SendMail(n.addr, nil, n.from, []string{msg.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// LogNotifier writes notifications to the structured log instead of sending
// mail. It is the fallback when no SMTP relay is configured.
type LogNotifier struct{}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Send logs the notification.
func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	slog.InfoContext(ctx, "notification", "to", msg.To, "subject", msg.Subject)
	return nil
}

// Recording captures sent messages for assertions in tests.
type Recording struct {
	mu       sync.Mutex
	messages []Message
	fail     bool
}

// NewRecording creates a recording notifier.
func NewRecording() *Recording {
	return &Recording{}
}

// FailNext makes the next Send return an error. The flag clears after one
// failed send.
func (r *Recording) FailNext() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = true
}

// Send records the message.
func (r *Recording) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		r.fail = false
		return fmt.Errorf("recording notifier: send disabled")
	}
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns a copy of everything sent so far.
func (r *Recording) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}
