package broker

import (
	"log"

	"optra/metrics"
)

// AlertLevel grades the urgency of a notification.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Notifier delivers alerts to operators. Delivery is fire-and-forget:
// implementations must never block the caller for long and callers must never
// abort on a delivery failure.
type Notifier interface {
	SendAlert(level AlertLevel, title, message string, data map[string]any)
}

// LogNotifier writes alerts to the process log. It is the default sink when
// no external notification channel is configured.
type LogNotifier struct{}

func (LogNotifier) SendAlert(level AlertLevel, title, message string, data map[string]any) {
	metrics.IncAlertsSent(string(level))
	if len(data) > 0 {
		log.Printf("[ALERT:%s] %s: %s %v", level, title, message, data)
		return
	}
	log.Printf("[ALERT:%s] %s: %s", level, title, message)
}
