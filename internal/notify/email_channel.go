package notify

import (
	"fmt"
	"net/smtp"
	"strings"
)

type EmailConfig struct {
	SMTPServer string
	SMTPUser   string
	SMTPPass   string
	From       string
	To         []string
	Subject    string
}

type EmailChannel struct {
	cfg      EmailConfig
	severity []string
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailChannel(cfg EmailConfig, severity []string) *EmailChannel {
	return &EmailChannel{cfg: cfg, severity: severity, send: smtp.SendMail}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Send(n Notification) error {
	if !severityAllowed(e.severity, n.Severity) {
		return nil
	}
	if e.cfg.SMTPServer == "" || e.cfg.From == "" || len(e.cfg.To) == 0 {
		return fmt.Errorf("email channel not configured")
	}
	subject := e.cfg.Subject
	if subject == "" {
		subject = "Scan notification"
	}
	subject += ": " + n.Title
	body := fmt.Sprintf("Severity: %s\nTitle: %s\nMessage: %s\n", n.Severity, n.Title, n.Message)
	if n.ScanID != "" {
		body += "Scan: " + n.ScanID + "\n"
	}
	msg := strings.Join([]string{
		"From: " + e.cfg.From,
		"To: " + strings.Join(e.cfg.To, ","),
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if e.cfg.SMTPUser != "" && e.cfg.SMTPPass != "" {
		host := strings.Split(e.cfg.SMTPServer, ":")[0]
		auth = smtp.PlainAuth("", e.cfg.SMTPUser, e.cfg.SMTPPass, host)
	}
	return e.send(e.cfg.SMTPServer, auth, e.cfg.From, e.cfg.To, []byte(msg))
}
