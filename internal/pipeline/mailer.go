package pipeline

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"safegate/internal/config"
	"safegate/internal/logging"
	"safegate/internal/services"
)

// SMTPMailer delivers share links over SMTP with STARTTLS when the server
// offers it.
type SMTPMailer struct {
	cfg     config.Email
	timeout time.Duration
	logger  *slog.Logger
}

// NewSMTPMailer builds the mailer from configuration.
func NewSMTPMailer(logger *slog.Logger, cfg config.Email) *SMTPMailer {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPMailer{
		cfg:     cfg,
		timeout: timeout,
		logger:  logging.NewComponentLogger(logger, "mailer"),
	}
}

// Send emails the download link to the recipient.
func (m *SMTPMailer) Send(ctx context.Context, recipient, shareURL, label string) error {
	addr := net.JoinHostPort(m.cfg.SMTPServer, fmt.Sprintf("%d", m.cfg.SMTPPort))

	dialer := &net.Dialer{Timeout: m.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return services.Wrap(services.ErrTransient, "notifying", "dial smtp", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(m.timeout))
	}

	client, err := smtp.NewClient(conn, m.cfg.SMTPServer)
	if err != nil {
		conn.Close()
		return services.Wrap(services.ErrTransient, "notifying", "smtp handshake", addr, err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.SMTPServer}); err != nil {
			return services.Wrap(services.ErrTransient, "notifying", "starttls", addr, err)
		}
	}
	if m.cfg.Username != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.SMTPServer)
		if err := client.Auth(auth); err != nil {
			return services.Wrap(services.ErrAuth, "notifying", "smtp auth", m.cfg.Username, err)
		}
	}

	if err := client.Mail(m.cfg.Username); err != nil {
		return services.Wrap(services.ErrTransient, "notifying", "mail from", m.cfg.Username, err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return services.Wrap(services.ErrTransient, "notifying", "rcpt to", recipient, err)
	}
	writer, err := client.Data()
	if err != nil {
		return services.Wrap(services.ErrTransient, "notifying", "data", addr, err)
	}
	if _, err := writer.Write(m.buildMessage(recipient, shareURL, label)); err != nil {
		writer.Close()
		return services.Wrap(services.ErrTransient, "notifying", "write body", addr, err)
	}
	if err := writer.Close(); err != nil {
		return services.Wrap(services.ErrTransient, "notifying", "finish body", addr, err)
	}
	if err := client.Quit(); err != nil {
		m.logger.Debug("smtp quit failed", logging.Error(err))
	}

	m.logger.Info("share link sent", logging.String("recipient", recipient))
	return nil
}

func (m *SMTPMailer) buildMessage(recipient, shareURL, label string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", m.cfg.SenderName, m.cfg.Username)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: Files from %s\r\n", label)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "The files from %s were scanned and uploaded.\r\n\r\n", label)
	fmt.Fprintf(&b, "Download link: %s\r\n\r\n", shareURL)
	b.WriteString("The link expires automatically; download the files soon.\r\n")
	return []byte(b.String())
}
