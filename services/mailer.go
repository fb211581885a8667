package services

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"mp3converter/models"
)

// Notifier delivers one email.
type Notifier interface {
	Send(ctx context.Context, msg models.Email) error
}

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends mail through an authenticated SMTP relay (STARTTLS on 587).
// Every network step is bounded by the context passed to Send.
type SMTPNotifier struct {
	addr     string
	host     string
	from     string
	password string
	sendMail sendMailFunc
}

func NewSMTPNotifier(host string, port int, from, password string) *SMTPNotifier {
	n := &SMTPNotifier{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		host:     host,
		from:     from,
		password: password,
	}
	n.sendMail = n.deliver
	return n
}

func (s *SMTPNotifier) Send(ctx context.Context, msg models.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.password != "" {
		auth = smtp.PlainAuth("", s.from, s.password, s.host)
	}

	raw := buildMessage(s.from, msg, time.Now())
	if err := s.sendMail(ctx, s.addr, auth, s.from, []string{msg.To}, raw); err != nil {
		return fmt.Errorf("%w: smtp send to %s: %w", models.ErrUpstream, msg.To, err)
	}
	return nil
}

// deliver runs one SMTP session. The connection deadline follows ctx, and
// cancelling ctx unblocks any pending read or write.
func (s *SMTPNotifier) deliver(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) (err error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		if err == nil {
			return
		}
		if cerr := ctx.Err(); cerr != nil {
			err = errors.Join(cerr, err)
		} else if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			err = errors.Join(context.DeadlineExceeded, err)
		}
	}()

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	return c.Quit()
}

// buildMessage renders a plain-text RFC 5322 message.
func buildMessage(from string, msg models.Email, date time.Time) []byte {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", from))
	b.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", date.Format(time.RFC1123Z)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

var _ Notifier = (*SMTPNotifier)(nil)
