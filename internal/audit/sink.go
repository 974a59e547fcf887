package audit

import "github.com/sirupsen/logrus"

// LogSink mirrors security-relevant events to a dedicated logrus logger,
// typically wired to a separate output consumed by the alerting pipeline.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink that emits mirrored events at warn level.
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Mirror(event *Event) error {
	fields := logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Kind,
		"user_id":    event.User.ID,
		"user_role":  event.User.Role,
		"success":    event.Action.Success,
		"request_id": event.Context.RequestID,
	}
	if event.Resource != nil {
		fields["resource_type"] = event.Resource.Type
		fields["resource_id"] = event.Resource.ID
	}
	if event.Action.ErrorMessage != "" {
		fields["error"] = event.Action.ErrorMessage
	}
	s.logger.WithFields(fields).Warn("security-relevant audit event")
	return nil
}
