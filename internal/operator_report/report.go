// Package operator_report publishes records that need operator attention:
// outreach that failed permanently or expired without a reply.
package operator_report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/platform/messagebroker"
)

// Report describes one terminal outreach outcome.
type Report struct {
	OutreachID    uuid.UUID                 `json:"outreach_id"`
	UCID          uuid.UUID                 `json:"ucid"`
	LawyerID      string                    `json:"lawyer_id"`
	UserID        string                    `json:"user_id"`
	Provider      core_domain.Provider      `json:"provider"`
	State         core_domain.OutreachState `json:"state"`
	Reason        string                    `json:"reason,omitempty"`
	AttemptCount  int                       `json:"attempt_count"`
	FollowUpCount int                       `json:"follow_up_count"`
	ReportedAt    time.Time                 `json:"reported_at"`
}

// FromRecord builds a report for a record that just reached a terminal state.
func FromRecord(rec *core_domain.OutreachRecord, reason string, at time.Time) Report {
	return Report{
		OutreachID:    rec.OutreachID,
		UCID:          rec.UCID,
		LawyerID:      rec.LawyerID,
		UserID:        rec.UserID,
		Provider:      rec.Provider,
		State:         rec.State,
		Reason:        reason,
		AttemptCount:  rec.AttemptCount,
		FollowUpCount: rec.FollowUpCount,
		ReportedAt:    at.UTC(),
	}
}

// Sink receives operator reports. Failures are the caller's to log; a report is never
// allowed to block a state change that already happened.
type Sink interface {
	Report(ctx context.Context, r Report) error
	Close() error
}

// LogSink writes reports to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "operator_report")}
}

func (s *LogSink) Report(ctx context.Context, r Report) error {
	s.logger.WarnContext(ctx, "Outreach needs operator attention",
		"outreach_id", r.OutreachID, "ucid", r.UCID, "lawyer_id", r.LawyerID,
		"state", r.State, "reason", r.Reason, "attempts", r.AttemptCount)
	return nil
}

func (s *LogSink) Close() error { return nil }

// NATSSink publishes JSON reports on a subject.
type NATSSink struct {
	publisher messagebroker.Publisher
	subject   string
}

func NewNATSSink(publisher messagebroker.Publisher, subject string) *NATSSink {
	return &NATSSink{publisher: publisher, subject: subject}
}

func (s *NATSSink) Report(ctx context.Context, r Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal operator report: %w", err)
	}
	return s.publisher.Publish(ctx, s.subject, data)
}

func (s *NATSSink) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes JSON reports keyed by outreach id, so all reports of one record
// land on the same partition.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           100 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}}, nil
}

func (s *KafkaSink) Report(ctx context.Context, r Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal operator report: %w", err)
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(r.OutreachID.String()),
		Value: data,
		Time:  r.ReportedAt,
	}); err != nil {
		return fmt.Errorf("write operator report: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// New selects a sink by kind: log, nats or kafka.
func New(kind string, publisher messagebroker.Publisher, subject string, brokers []string, topic string, logger *slog.Logger) (Sink, error) {
	switch kind {
	case "", "log":
		return NewLogSink(logger), nil
	case "nats":
		if publisher == nil {
			return nil, fmt.Errorf("nats report sink needs a NATS connection")
		}
		return NewNATSSink(publisher, subject), nil
	case "kafka":
		return NewKafkaSink(brokers, topic)
	default:
		return nil, fmt.Errorf("unknown report sink %q", kind)
	}
}
