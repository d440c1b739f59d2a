// Package ingest receives raw events from collector sources over
// JetStream, validates and normalizes them, and feeds them to the
// correlation pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/metrics"
	"github.com/t77yq/alert-correlation/internal/model"
)

const (
	// StreamName buffers incoming events until the engine consumes them
	StreamName = "EVENTS"

	// SubjectIngest is where collector sources publish raw events
	SubjectIngest = "event.ingest"
)

// Handler processes one validated event
type Handler func(ctx context.Context, event *model.Event) error

// Ingestor consumes raw events from the ingest subject, validates
// them, and hands them to the pipeline. Invalid events are counted,
// logged and dropped; processing failures are retried by JetStream.
type Ingestor struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	handler Handler
	sub     *nats.Subscription
}

// NewIngestor creates an ingestor over an existing JetStream context
func NewIngestor(js nats.JetStreamContext, logger *zap.Logger, handler Handler) *Ingestor {
	return &Ingestor{
		logger:  logger.Named("ingestor"),
		js:      js,
		handler: handler,
	}
}

// Start ensures the event stream exists and subscribes to it
func (i *Ingestor) Start(ctx context.Context) error {
	_, err := i.js.StreamInfo(StreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		_, err = i.js.AddStream(&nats.StreamConfig{
			Name:     StreamName,
			Subjects: []string{"event.*"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			MaxMsgs:  -1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		i.logger.Info("Created event stream", zap.String("name", StreamName))
	} else {
		i.logger.Info("Using existing event stream", zap.String("name", StreamName))
	}

	sub, err := i.js.Subscribe(SubjectIngest, func(msg *nats.Msg) {
		i.handleMessage(ctx, msg)
	}, nats.Durable("event-ingest-consumer"), nats.ManualAck(), nats.AckWait(30*time.Second))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectIngest, err)
	}
	i.sub = sub
	return nil
}

// Stop drains the subscription
func (i *Ingestor) Stop() error {
	if i.sub == nil {
		return nil
	}
	return i.sub.Drain()
}

func (i *Ingestor) handleMessage(ctx context.Context, msg *nats.Msg) {
	var event model.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		i.logger.Error("Failed to unmarshal event", zap.Error(err))
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		msg.Term()
		return
	}

	Normalize(&event)
	if err := Validate(&event); err != nil {
		i.logger.Warn("Rejected event",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		metrics.EventsRejected.WithLabelValues("invalid").Inc()
		msg.Term()
		return
	}

	if err := i.handler(ctx, &event); err != nil {
		i.logger.Error("Failed to process event",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		msg.Nak()
		return
	}

	metrics.EventsIngested.WithLabelValues(event.SourceID).Inc()
	msg.Ack()
}

// Normalize fills derivable fields: the received timestamp, defaults
// for action, status and level, and the group-by fallback to the
// resource id
func Normalize(event *model.Event) {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	if event.Action == "" {
		event.Action = model.EventActionCreated
	}
	if event.Status == "" {
		event.Status = model.EventStatusReceived
	}
	if event.Level == "" {
		event.Level = model.LevelWarning
	}
	if event.GroupByField == "" && event.ResourceID != "" {
		event.GroupByField = "resource_id"
		event.GroupByValue = event.ResourceID
	}
}

// Validate rejects events that cannot enter the pipeline
func Validate(event *model.Event) error {
	var errs []error
	if event.EventID == "" {
		errs = append(errs, ErrMissingEventID)
	}
	if event.SourceID == "" {
		errs = append(errs, ErrMissingSource)
	}
	if event.Title == "" {
		errs = append(errs, ErrMissingTitle)
	}
	if event.StartTime.IsZero() {
		errs = append(errs, ErrMissingStartTime)
	}
	if event.GroupByField == "" || event.GroupByValue == "" {
		errs = append(errs, ErrMissingGroupBy)
	}
	return errors.Join(errs...)
}

// Publisher submits events to the ingest subject. Collector adapters
// and the HTTP surface use it; tests drive the pipeline through it.
type Publisher struct {
	js nats.JetStreamContext
}

// NewPublisher creates a publisher over an existing JetStream context
func NewPublisher(js nats.JetStreamContext) *Publisher {
	return &Publisher{js: js}
}

// Publish submits one event, assigning an event id when absent
func (p *Publisher) Publish(ctx context.Context, event *model.Event) error {
	if event.EventID == "" {
		event.EventID = "EVT-" + uuid.New().String()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := p.js.Publish(SubjectIngest, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
