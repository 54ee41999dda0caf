package notify

import (
	"fmt"
	"log/syslog"
)

type SyslogChannel struct {
	writer   *syslog.Writer
	severity []string
}

func NewSyslogChannel(network, address, tag string, severity []string) *SyslogChannel {
	if network == "" {
		network = "unixgram"
	}
	if address == "" {
		address = "/dev/log"
	}
	if tag == "" {
		tag = "reconsync"
	}
	writer, _ := syslog.Dial(network, address, syslog.LOG_USER|syslog.LOG_INFO, tag)
	return &SyslogChannel{writer: writer, severity: severity}
}

func (s *SyslogChannel) Name() string { return "syslog" }

func (s *SyslogChannel) Send(n Notification) error {
	if !severityAllowed(s.severity, n.Severity) {
		return nil
	}
	if s.writer == nil {
		return fmt.Errorf("syslog writer not available")
	}
	msg := fmt.Sprintf("[%s] %s - %s", n.Severity, n.Title, n.Message)
	switch n.Severity {
	case SeverityError:
		return s.writer.Err(msg)
	case SeverityWarning:
		return s.writer.Warning(msg)
	default:
		return s.writer.Info(msg)
	}
}
