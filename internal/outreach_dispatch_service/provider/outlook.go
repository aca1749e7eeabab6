package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lexreach/golang_services/internal/core_domain"
)

// OutlookAdapter sends through Microsoft Graph. sendMail returns 202 with no body,
// so the correlation id travels as an internet message header and doubles as the
// provider message id.
type OutlookAdapter struct {
	baseURL    string
	httpClient *http.Client
	auth       Authorizer
	logger     *slog.Logger
	throttle   throttleTracker
	now        func() time.Time
}

func NewOutlookAdapter(baseURL string, auth Authorizer, httpClient *http.Client, logger *slog.Logger) *OutlookAdapter {
	return &OutlookAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: defaultHTTPClient(httpClient),
		auth:       auth,
		logger:     logger.With("provider", core_domain.ProviderOutlook),
		now:        time.Now,
	}
}

func (a *OutlookAdapter) Provider() core_domain.Provider { return core_domain.ProviderOutlook }

func (a *OutlookAdapter) Authorize(state string) string { return authorize(a.auth, state) }

func (a *OutlookAdapter) QuotaStatus(_ context.Context) QuotaStatus {
	return a.throttle.snapshot(a.Provider(), a.now())
}

type graphEmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	Subject                string           `json:"subject"`
	Body                   graphBody        `json:"body"`
	ToRecipients           []graphRecipient `json:"toRecipients"`
	InternetMessageHeaders []graphHeader    `json:"internetMessageHeaders,omitempty"`
}

type graphSendMailRequest struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

func (a *OutlookAdapter) Send(ctx context.Context, token core_domain.AccessToken, msg OutgoingMessage) (*SendResult, error) {
	start := time.Now()
	res, err := a.send(ctx, token, msg)
	providerRequestDuration.WithLabelValues(string(a.Provider()), outcomeLabel(err)).Observe(time.Since(start).Seconds())
	a.throttle.observe(err, a.now())
	return res, err
}

func (a *OutlookAdapter) send(ctx context.Context, token core_domain.AccessToken, msg OutgoingMessage) (*SendResult, error) {
	payload, err := json.Marshal(graphSendMailRequest{
		Message: graphMessage{
			Subject:      msg.Subject,
			Body:         graphBody{ContentType: "Text", Content: msg.Body},
			ToRecipients: []graphRecipient{{EmailAddress: graphEmailAddress{Address: msg.ToAddress, Name: msg.ToName}}},
			InternetMessageHeaders: []graphHeader{
				{Name: strings.ToLower(correlationHeader), Value: msg.CorrelationID},
			},
		},
		SaveToSentItems: true,
	})
	if err != nil {
		return nil, core_domain.Permanent(core_domain.ReasonMalformedMessage, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1.0/me/sendMail", bytes.NewReader(payload))
	if err != nil {
		return nil, core_domain.Permanent(core_domain.ReasonMalformedMessage, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.Value)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.WarnContext(ctx, "Graph request failed", "outreach_id", msg.OutreachID, "error", err)
		return nil, normalizeTransport(a.Provider(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		perr := normalizeHTTP(a.Provider(), resp.StatusCode, resp.Header, body, a.now())
		a.logger.WarnContext(ctx, "Graph sendMail rejected", "outreach_id", msg.OutreachID, "status_code", resp.StatusCode, "error", perr)
		return nil, perr
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	a.logger.InfoContext(ctx, "Graph accepted message", "outreach_id", msg.OutreachID, "provider_message_id", msg.CorrelationID)
	return &SendResult{ProviderMessageID: msg.CorrelationID, AcceptedAt: a.now()}, nil
}

var _ Adapter = (*OutlookAdapter)(nil)
