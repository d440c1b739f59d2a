// Package dispatch hands notification directives to the external
// channel-adapter layer over JetStream. Adapters consume notify.*
// subjects and own the actual delivery; suppressed directives are
// never published here.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/model"
)

const (
	// StreamName holds directives awaiting channel adapters
	StreamName = "NOTIFICATIONS"

	SubjectAlert    = "notify.alert"
	SubjectReminder = "notify.reminder"
	SubjectIncident = "notify.incident"
)

// NATSDispatcher publishes directives to the notifications stream
type NATSDispatcher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewNATSDispatcher creates a dispatcher over an existing JetStream context
func NewNATSDispatcher(js nats.JetStreamContext, logger *zap.Logger) *NATSDispatcher {
	return &NATSDispatcher{
		logger: logger.Named("dispatcher"),
		js:     js,
	}
}

// Start ensures the notifications stream exists
func (d *NATSDispatcher) Start(ctx context.Context) error {
	_, err := d.js.StreamInfo(StreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		_, err = d.js.AddStream(&nats.StreamConfig{
			Name:     StreamName,
			Subjects: []string{"notify.*"},
			Storage:  nats.FileStorage,
			MaxAge:   72 * time.Hour,
			MaxMsgs:  -1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		d.logger.Info("Created notification stream", zap.String("name", StreamName))
	} else {
		d.logger.Info("Using existing notification stream", zap.String("name", StreamName))
	}
	return nil
}

// Dispatch publishes one directive to the subject for its kind
func (d *NATSDispatcher) Dispatch(ctx context.Context, directive *model.NotificationDirective) error {
	data, err := json.Marshal(directive)
	if err != nil {
		return fmt.Errorf("failed to marshal directive: %w", err)
	}

	if _, err := d.js.Publish(subjectFor(directive.Kind), data); err != nil {
		return fmt.Errorf("failed to publish directive: %w", err)
	}

	d.logger.Info("Dispatched directive",
		zap.String("directive_id", directive.DirectiveID),
		zap.String("kind", string(directive.Kind)),
		zap.Strings("recipients", directive.Recipients),
		zap.Strings("channels", directive.Channels))
	return nil
}

func subjectFor(kind model.NotificationKind) string {
	switch kind {
	case model.NotificationKindReminder:
		return SubjectReminder
	case model.NotificationKindIncident:
		return SubjectIncident
	default:
		return SubjectAlert
	}
}
