package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/t77yq/jobscheduler/internal/model"
)

// EmailConfig holds SMTP settings for alert mail
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailChannel mails alerts to a fixed recipient list
type EmailChannel struct {
	config EmailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an SMTP notification channel
func NewEmailChannel(config EmailConfig) (*EmailChannel, error) {
	if config.Host == "" || config.From == "" || len(config.To) == 0 {
		return nil, errors.New("email channel needs host, from and at least one recipient")
	}
	if config.Port == 0 {
		config.Port = 587
	}
	return &EmailChannel{config: config, send: smtp.SendMail}, nil
}

// Send implements NotificationChannel. smtp.SendMail takes no context, so
// ctx is only checked before dialing.
func (c *EmailChannel) Send(ctx context.Context, alert *model.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}

	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	if err := c.send(addr, auth, c.config.From, c.config.To, c.message(alert)); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

func (c *EmailChannel) message(alert *model.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.config.To, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s: %s\r\n", strings.ToUpper(string(alert.Severity)), alert.Type, alert.JobName)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&b, "Job: %s\r\n", alert.JobName)
	if alert.ExecutionID != "" {
		fmt.Fprintf(&b, "Execution: %s\r\n", alert.ExecutionID)
	}
	fmt.Fprintf(&b, "Raised at: %s\r\n", alert.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	return []byte(b.String())
}
