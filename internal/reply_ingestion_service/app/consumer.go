package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/platform/messagebroker"
)

// Handler decodes reply events from NATS.
func (p *ReplyProcessor) Handler() messagebroker.Handler {
	return func(ctx context.Context, data []byte) error {
		var evt core_domain.ReplyEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			repliesCounter.WithLabelValues("malformed").Inc()
			return fmt.Errorf("decode reply event: %w", err)
		}
		_, err := p.Process(ctx, evt)
		return err
	}
}
