package notify

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ipsix/reconsync/internal/config"
	"github.com/ipsix/reconsync/internal/logging"
)

func BuildChannels(cfg config.NotificationsConfig, logger *logging.Logger) ([]Channel, error) {
	channels := []Channel{}
	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case "log":
			channels = append(channels, NewLogChannel(logger))
		case "webhook":
			if ch.URL == "" {
				return nil, fmt.Errorf("webhook url required")
			}
			channels = append(channels, NewWebhookChannel(ch.URL, ch.Severity))
		case "email":
			channels = append(channels, NewEmailChannel(EmailConfig{
				SMTPServer: ch.SMTPServer,
				SMTPUser:   ch.SMTPUser,
				SMTPPass:   ch.SMTPPass,
				From:       ch.From,
				To:         ch.To,
				Subject:    ch.Subject,
			}, ch.Severity))
		case "syslog":
			channels = append(channels, NewSyslogChannel(ch.SyslogNetwork, ch.SyslogAddress, ch.SyslogTag, ch.Severity))
		default:
			return nil, fmt.Errorf("unknown notification channel type: %s", ch.Type)
		}
	}
	return channels, nil
}

func severityAllowed(allow []string, sev Severity) bool {
	if len(allow) == 0 {
		return true
	}
	for _, v := range allow {
		if parseSeverity(v) == sev {
			return true
		}
	}
	return false
}

func parseSeverity(value string) Severity {
	switch strings.ToLower(value) {
	case "success":
		return SeveritySuccess
	case "warning", "warn":
		return SeverityWarning
	case "error":
		return SeverityError
	default:
		return SeverityInfo
	}
}

var httpClient = &http.Client{Timeout: 10 * time.Second}
