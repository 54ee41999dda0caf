package notify

import (
	"net/smtp"
	"strings"
	"testing"
)

func TestEmailChannelFormatsMessage(t *testing.T) {
	ch := NewEmailChannel(EmailConfig{SMTPServer: "mail.local:25", From: "a@local", To: []string{"b@local"}}, []string{"error"})
	var sent string
	calls := 0
	ch.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		calls++
		if addr != "mail.local:25" || from != "a@local" || len(to) != 1 {
			t.Fatalf("unexpected envelope %s %s %v", addr, from, to)
		}
		sent = string(msg)
		return nil
	}

	if err := ch.Send(Notification{Severity: SeverityInfo, Title: "Scan started"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected info notification to be filtered")
	}

	if err := ch.Send(Notification{Severity: SeverityError, Title: "Scan failed", Message: "boom", ScanID: "s1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one mail, got %d", calls)
	}
	for _, want := range []string{"Subject: Scan notification: Scan failed", "Message: boom", "Scan: s1"} {
		if !strings.Contains(sent, want) {
			t.Fatalf("message missing %q:\n%s", want, sent)
		}
	}
}

func TestEmailChannelRequiresConfig(t *testing.T) {
	ch := NewEmailChannel(EmailConfig{}, nil)
	if err := ch.Send(Notification{Severity: SeverityError}); err == nil {
		t.Fatalf("expected configuration error")
	}
}
