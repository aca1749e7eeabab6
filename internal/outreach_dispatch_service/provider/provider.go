package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexreach/golang_services/internal/core_domain"
)

// OutgoingMessage is one composed outreach email.
type OutgoingMessage struct {
	OutreachID    uuid.UUID
	CorrelationID string // unique per send; becomes the provider message id where the API returns none
	FromAddress   string
	FromName      string
	ToAddress     string
	ToName        string
	Subject       string
	Body          string // text/plain
}

// SendResult is returned when the provider accepted the message.
type SendResult struct {
	ProviderMessageID string
	AcceptedAt        time.Time
}

// QuotaStatus is the last throttle signal observed from the provider.
// Provider APIs expose no quota endpoint, so this is learned from send responses.
type QuotaStatus struct {
	Provider   core_domain.Provider
	Throttled  bool
	RetryAt    time.Time
	LastReason string
	ObservedAt time.Time
}

// Adapter sends outreach through one mail provider. Send returns only nil or a
// *core_domain.ProviderError.
type Adapter interface {
	Provider() core_domain.Provider
	Authorize(state string) string
	Send(ctx context.Context, token core_domain.AccessToken, msg OutgoingMessage) (*SendResult, error)
	QuotaStatus(ctx context.Context) QuotaStatus
}

// Authorizer builds consent URLs. oauthclient.Client implements it.
type Authorizer interface {
	AuthCodeURL(state string) string
}

// Registry resolves the adapter for a provider.
type Registry struct {
	adapters map[core_domain.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[core_domain.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

func (r *Registry) Get(p core_domain.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s", core_domain.ErrUnknownProvider, p)
	}
	return a, nil
}

// Providers lists the registered providers.
func (r *Registry) Providers() []core_domain.Provider {
	out := make([]core_domain.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

// throttleTracker remembers the most recent rate-limit signal of one provider.
type throttleTracker struct {
	mu     sync.Mutex
	status QuotaStatus
}

func (t *throttleTracker) observe(err error, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.ObservedAt = now
	if err == nil {
		t.status.Throttled = false
		t.status.RetryAt = time.Time{}
		t.status.LastReason = ""
		return
	}
	pe, ok := core_domain.AsProviderError(err)
	if !ok {
		return
	}
	t.status.LastReason = pe.Reason
	if pe.Kind == core_domain.KindRateLimited {
		t.status.Throttled = true
		t.status.RetryAt = now.Add(pe.RetryAfter)
	}
}

func (t *throttleTracker) snapshot(p core_domain.Provider, now time.Time) QuotaStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.status
	s.Provider = p
	if s.Throttled && !now.Before(s.RetryAt) {
		s.Throttled = false
	}
	return s
}

func authorize(a Authorizer, state string) string {
	if a == nil {
		return ""
	}
	return a.AuthCodeURL(state)
}
