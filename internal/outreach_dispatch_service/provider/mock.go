package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexreach/golang_services/internal/core_domain"
)

// MockAdapter accepts every message unless outcomes were scripted. Each scripted
// outcome is consumed by one Send; a nil outcome is a success.
type MockAdapter struct {
	logger *slog.Logger

	mu       sync.Mutex
	script   []error
	sent     []OutgoingMessage
	throttle throttleTracker
	delay    time.Duration
}

func NewMockAdapter(logger *slog.Logger) *MockAdapter {
	return &MockAdapter{logger: logger.With("provider", core_domain.ProviderMock)}
}

// Script appends outcomes for the next sends.
func (a *MockAdapter) Script(outcomes ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = append(a.script, outcomes...)
}

// SetDelay makes every Send block for d or until its context ends.
func (a *MockAdapter) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

// Sent returns the accepted messages in order.
func (a *MockAdapter) Sent() []OutgoingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]OutgoingMessage(nil), a.sent...)
}

func (a *MockAdapter) Provider() core_domain.Provider { return core_domain.ProviderMock }

func (a *MockAdapter) Authorize(state string) string {
	return "http://localhost/mock/authorize?state=" + state
}

func (a *MockAdapter) QuotaStatus(_ context.Context) QuotaStatus {
	return a.throttle.snapshot(a.Provider(), time.Now())
}

func (a *MockAdapter) Send(ctx context.Context, _ core_domain.AccessToken, msg OutgoingMessage) (*SendResult, error) {
	a.mu.Lock()
	delay := a.delay
	var outcome error
	if len(a.script) > 0 {
		outcome = a.script[0]
		a.script = a.script[1:]
	}
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, core_domain.Retryable("timeout", ctx.Err())
		}
	}

	a.throttle.observe(outcome, time.Now())
	if outcome != nil {
		a.logger.InfoContext(ctx, "Mock send failed (scripted)", "outreach_id", msg.OutreachID, "error", outcome)
		return nil, outcome
	}

	a.mu.Lock()
	a.sent = append(a.sent, msg)
	a.mu.Unlock()
	id := "mock-" + uuid.NewString()
	a.logger.InfoContext(ctx, "Mock send accepted", "outreach_id", msg.OutreachID, "provider_message_id", id)
	return &SendResult{ProviderMessageID: id, AcceptedAt: time.Now().UTC()}, nil
}

var _ Adapter = (*MockAdapter)(nil)
