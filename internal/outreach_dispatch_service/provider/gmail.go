package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lexreach/golang_services/internal/core_domain"
)

// GmailAdapter sends through the Gmail REST API.
type GmailAdapter struct {
	baseURL    string
	httpClient *http.Client
	auth       Authorizer
	logger     *slog.Logger
	throttle   throttleTracker
	now        func() time.Time
}

func NewGmailAdapter(baseURL string, auth Authorizer, httpClient *http.Client, logger *slog.Logger) *GmailAdapter {
	return &GmailAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: defaultHTTPClient(httpClient),
		auth:       auth,
		logger:     logger.With("provider", core_domain.ProviderGmail),
		now:        time.Now,
	}
}

func (a *GmailAdapter) Provider() core_domain.Provider { return core_domain.ProviderGmail }

func (a *GmailAdapter) Authorize(state string) string { return authorize(a.auth, state) }

func (a *GmailAdapter) QuotaStatus(_ context.Context) QuotaStatus {
	return a.throttle.snapshot(a.Provider(), a.now())
}

type gmailSendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

func (a *GmailAdapter) Send(ctx context.Context, token core_domain.AccessToken, msg OutgoingMessage) (*SendResult, error) {
	start := time.Now()
	res, err := a.send(ctx, token, msg)
	providerRequestDuration.WithLabelValues(string(a.Provider()), outcomeLabel(err)).Observe(time.Since(start).Seconds())
	a.throttle.observe(err, a.now())
	return res, err
}

func (a *GmailAdapter) send(ctx context.Context, token core_domain.AccessToken, msg OutgoingMessage) (*SendResult, error) {
	raw, err := renderRFC822(buildMessage(msg, messageIDFor(msg.CorrelationID, msg.FromAddress)))
	if err != nil {
		return nil, core_domain.Permanent(core_domain.ReasonMalformedMessage, err)
	}
	payload, err := json.Marshal(map[string]string{"raw": base64.URLEncoding.EncodeToString(raw)})
	if err != nil {
		return nil, core_domain.Permanent(core_domain.ReasonMalformedMessage, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/gmail/v1/users/me/messages/send", bytes.NewReader(payload))
	if err != nil {
		return nil, core_domain.Permanent(core_domain.ReasonMalformedMessage, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.Value)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.WarnContext(ctx, "Gmail request failed", "outreach_id", msg.OutreachID, "error", err)
		return nil, normalizeTransport(a.Provider(), err)
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := normalizeHTTP(a.Provider(), resp.StatusCode, resp.Header, body, a.now())
		a.logger.WarnContext(ctx, "Gmail send rejected", "outreach_id", msg.OutreachID, "status_code", resp.StatusCode, "error", perr)
		return nil, perr
	}
	var out gmailSendResponse
	if readErr != nil {
		// The status already says sent; a resend would duplicate the message.
		a.logger.WarnContext(ctx, "Gmail response body unreadable", "outreach_id", msg.OutreachID, "error", readErr)
	} else if err := json.Unmarshal(body, &out); err != nil {
		out.ID = ""
	}
	if out.ID == "" {
		// Accepted without a usable id; correlate by our own id rather than resend.
		a.logger.WarnContext(ctx, "Gmail accepted message without id", "outreach_id", msg.OutreachID)
		return &SendResult{ProviderMessageID: msg.CorrelationID, AcceptedAt: a.now()}, nil
	}
	a.logger.InfoContext(ctx, "Gmail accepted message", "outreach_id", msg.OutreachID, "provider_message_id", out.ID)
	return &SendResult{ProviderMessageID: out.ID, AcceptedAt: a.now()}, nil
}

var _ Adapter = (*GmailAdapter)(nil)
