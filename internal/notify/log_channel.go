package notify

import "github.com/ipsix/reconsync/internal/logging"

type LogChannel struct {
	logger *logging.Logger
}

func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(n Notification) error {
	fields := []logging.Field{
		{Key: "id", Value: n.ID},
		{Key: "severity", Value: n.Severity},
		{Key: "title", Value: n.Title},
		{Key: "message", Value: n.Message},
	}
	if n.ScanID != "" {
		fields = append(fields, logging.Field{Key: "scan_id", Value: n.ScanID})
	}
	if n.Severity == SeverityError || n.Severity == SeverityWarning {
		l.logger.Warn("notification", fields...)
		return nil
	}
	l.logger.Info("notification", fields...)
	return nil
}
