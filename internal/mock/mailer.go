package mock

import (
	"context"
	"sync"
)

// Mail is a message captured by Mailer.
type Mail struct {
	To      string
	Subject string
	Body    string
}

// Mailer records messages instead of sending them. When Err is set, Send
// fails with it after recording the attempt.
type Mailer struct {
	mu   sync.Mutex
	sent []Mail
	Err  error
}

// Send records the message.
func (m *Mailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Mail{To: to, Subject: subject, Body: body})
	return m.Err
}

// Sent returns a copy of all recorded messages.
func (m *Mailer) Sent() []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Mail, len(m.sent))
	copy(out, m.sent)
	return out
}

// Last returns the most recent message, if any.
func (m *Mailer) Last() (Mail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return Mail{}, false
	}
	return m.sent[len(m.sent)-1], true
}
