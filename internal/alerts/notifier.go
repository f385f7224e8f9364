package alerts

import (
	"context"
	"log/slog"

	"github.com/usinatech/vigia/internal/model"
)

// LogNotifier writes due notifications to the log instead of an external
// channel. It is the delivery path until an email or messaging integration
// is plugged in; recipients fall back to a configured default list when the
// alert carries none.
type LogNotifier struct {
	logger            *slog.Logger
	defaultRecipients []string
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger, defaultRecipients []string) *LogNotifier {
	return &LogNotifier{logger: logger, defaultRecipients: defaultRecipients}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, clientID string, alert model.AlertSample) error {
	recipients := alert.Recipients
	if len(recipients) == 0 {
		recipients = n.defaultRecipients
	}
	n.logger.Info("alert notification",
		"client_id", clientID,
		"site", alert.Site,
		"tag", alert.TagName,
		"desvio", alert.Desvio,
		"value", alert.Value,
		"unidade", alert.Unidade,
		"recipients", recipients,
	)
	return nil
}
