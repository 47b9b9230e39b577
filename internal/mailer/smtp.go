// Package mailer sends rendered notification bodies over SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Message is a fully-rendered email ready to hand to the transport.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers rendered messages to a single recipient.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config holds SMTP transport settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// sendTimeout bounds the whole SMTP conversation, not just the dial. A
// peer that accepts the connection and then goes silent must not hold a
// worker past this window.
const sendTimeout = 30 * time.Second

var _ Sender = (*SMTPSender)(nil)

// SMTPSender delivers mail over SMTP with opportunistic STARTTLS.
type SMTPSender struct {
	config Config
	auth   smtp.Auth
}

func NewSMTPSender(config Config) (*SMTPSender, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if config.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if config.Port == 0 {
		config.Port = 587
	}

	var auth smtp.Auth
	if config.User != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.User, config.Password, config.Host)
	}

	return &SMTPSender{config: config, auth: auth}, nil
}

// Send delivers a single message. Each call dials a fresh connection;
// delivery volume is bounded upstream by the worker pool and rate limiter.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("recipient address is required")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(sendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set smtp deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: s.config.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractAddress(s.config.From)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(buildMessage(s.config.From, msg)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// buildMessage constructs the wire message with headers in deterministic
// order. Bodies containing markup are sent as text/html so templated HTML
// renders in mail clients.
func buildMessage(from string, msg Message) []byte {
	contentType := "text/plain; charset=\"utf-8\""
	if looksLikeHTML(msg.Body) {
		contentType = "text/html; charset=\"utf-8\""
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", from))
	b.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString(fmt.Sprintf("Content-Type: %s\r\n", contentType))
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	return []byte(b.String())
}

func looksLikeHTML(body string) bool {
	lowered := strings.ToLower(body)
	return strings.Contains(lowered, "<html") || strings.Contains(lowered, "<body") ||
		strings.Contains(lowered, "<p>") || strings.Contains(lowered, "<br")
}

// extractAddress pulls the bare address out of "Name <addr@example.com>".
func extractAddress(address string) string {
	if start := strings.Index(address, "<"); start != -1 {
		if end := strings.Index(address, ">"); end > start {
			return address[start+1 : end]
		}
	}
	return address
}
