package email

import (
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"
)

// Message is a plain-text notification.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
	Date    time.Time
}

// Write encodes the message as RFC 5322 headers followed by a
// quoted-printable body.
func (e *Message) Write(w io.Writer) error {
	date := e.Date
	if date.IsZero() {
		date = time.Now()
	}
	_, err := fmt.Fprintf(w,
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMIME-Version: 1.0\r\n"+
			"Content-Type: text/plain; charset=utf-8\r\nContent-Transfer-Encoding: quoted-printable\r\n\r\n",
		e.From,
		strings.Join(e.To, ", "),
		mime.QEncoding.Encode("utf-8", e.Subject),
		date.Format(time.RFC1123Z),
	)
	if err != nil {
		return err
	}

	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(e.Body)); err != nil {
		return err
	}
	return qp.Close()
}
