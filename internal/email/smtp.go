package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"
)

// ErrTransport classifies every failure to hand a message to the relay.
var ErrTransport = errors.New("mail transport failure")

// TransportError wraps the underlying SMTP failure. It matches
// ErrTransport with errors.Is.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", ErrTransport, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Sender delivers a plain-text message to one recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SmtpServer holds the relay connection settings.
type SmtpServer struct {
	HostPort string
	Tls      *tls.Config
	User     string
	Password string
	Hello    string
}

// SMTPSender sends messages through an SMTP relay from a fixed address.
type SMTPSender struct {
	Server SmtpServer
	From   string
}

var _ Sender = (*SMTPSender)(nil)

// NewSMTPSender creates a sender for the relay.
func NewSMTPSender(server SmtpServer, from string) *SMTPSender {
	return &SMTPSender{Server: server, From: from}
}

// Send delivers the message within ctx's deadline. Every failure is a
// *TransportError.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Err: err}
	}
	msg := Message{
		From:    s.From,
		To:      []string{to},
		Subject: subject,
		Body:    body,
	}
	if err := send(ctx, s.Server, msg); err != nil {
		if ctxErr := contextError(ctx); ctxErr != nil {
			err = errors.Wrap(ctxErr, err.Error())
		}
		return &TransportError{Err: err}
	}
	return nil
}

// contextError is ctx.Err, or DeadlineExceeded once the deadline has passed
// even if ctx has not been marked done yet.
func contextError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return nil
}

func dial(ctx context.Context, options SmtpServer) (net.Conn, error) {
	dialer := &net.Dialer{}
	if options.Tls != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: options.Tls}
		return tlsDialer.DialContext(ctx, "tcp", options.HostPort)
	}
	return dialer.DialContext(ctx, "tcp", options.HostPort)
}

func send(ctx context.Context, options SmtpServer, email Message) error {
	conn, err := dial(ctx, options)
	if err != nil {
		return errors.Wrap(err, "could not connect to smtp server")
	}
	// Unblocks any pending read or write once ctx is done.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	client := smtp.NewClient(conn)
	defer client.Close()
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		client.CommandTimeout = remaining
		client.SubmissionTimeout = remaining
	}

	if options.Hello != "" {
		if err := client.Hello(options.Hello); err != nil {
			return errors.Wrap(err, "could not greet upstream")
		}
	}

	if options.User != "" || options.Password != "" {
		if err := client.Auth(sasl.NewPlainClient("", options.User, options.Password)); err != nil {
			return errors.Wrap(err, "AUTH failed")
		}
	}

	if err := client.Mail(email.From, nil); err != nil {
		return errors.Wrapf(err, "smtp server rejected mail from '%s'", email.From)
	}

	for _, address := range email.To {
		if err := client.Rcpt(address, nil); err != nil {
			return errors.Wrapf(err, "smtp server rejected mail to '%s'", address)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return errors.Wrap(err, "smtp server rejected request to send mail data")
	}

	if err := email.Write(writer); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "smtp server rejected mail data")
	}

	err = client.Quit()
	if err != nil {
		smtpError := &smtp.SMTPError{}
		if errors.As(err, &smtpError) {
			// Seems some SMTP servers return 250 instead of 221 on QUIT
			if smtpError.Code == 250 {
				return nil
			}
		}
		return err
	}
	return nil
}
