package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/platform/messagebroker"
)

// Consumer adapts NATS payloads to the Correlator.
type Consumer struct {
	correlator *Correlator
	logger     *slog.Logger
}

func NewConsumer(correlator *Correlator, logger *slog.Logger) *Consumer {
	return &Consumer{correlator: correlator, logger: logger.With("component", "ucid_consumer")}
}

// CaseReadyHandler handles case-ready events.
func (c *Consumer) CaseReadyHandler() messagebroker.Handler {
	return func(ctx context.Context, data []byte) error {
		var evt core_domain.CaseReadyEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			eventsConsumedCounter.WithLabelValues("case_ready", "malformed").Inc()
			return fmt.Errorf("decode case ready event: %w", err)
		}
		res, err := c.correlator.HandleCaseReady(ctx, evt)
		if err != nil {
			eventsConsumedCounter.WithLabelValues("case_ready", "error").Inc()
			return err
		}
		eventsConsumedCounter.WithLabelValues("case_ready", "ok").Inc()
		c.logger.DebugContext(ctx, "Case ready event consumed", "ucid", res.UCID.UCID, "linked", len(res.Linked))
		return nil
	}
}

// DirectoryHandler handles lawyer directory upserts.
func (c *Consumer) DirectoryHandler() messagebroker.Handler {
	return func(ctx context.Context, data []byte) error {
		var l core_domain.LawyerProfile
		if err := json.Unmarshal(data, &l); err != nil {
			eventsConsumedCounter.WithLabelValues("directory", "malformed").Inc()
			return fmt.Errorf("decode lawyer profile: %w", err)
		}
		if err := c.correlator.UpsertLawyer(ctx, l); err != nil {
			eventsConsumedCounter.WithLabelValues("directory", "error").Inc()
			return err
		}
		eventsConsumedCounter.WithLabelValues("directory", "ok").Inc()
		return nil
	}
}
