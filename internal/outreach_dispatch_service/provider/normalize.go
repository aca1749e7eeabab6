package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/lexreach/golang_services/internal/core_domain"
)

// DefaultRetryAfter applies when a throttling response carries no usable Retry-After.
const DefaultRetryAfter = 60 * time.Second

// MaxRetryAfter caps any provider-supplied Retry-After.
const MaxRetryAfter = 24 * time.Hour

const maxErrorBody = 512

var quotaMarkers = []string{
	"ratelimitexceeded", "userratelimitexceeded", "quotaexceeded", "dailylimitexceeded",
	"errorexceededmessagelimit", "applicationthrottled", "mailboxconcurrency", "too many requests",
}

var invalidRecipientMarkers = []string{
	"invalid to header", "invalid recipient", "errorinvalidrecipients", "invalid_recipient",
	"recipient address rejected", "invalid email address",
}

// normalizeHTTP maps a non-2xx provider response to a ProviderError.
func normalizeHTTP(provider core_domain.Provider, status int, header http.Header, body []byte, now time.Time) error {
	snippet := string(body)
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	cause := fmt.Errorf("%s responded %d: %s", provider, status, strings.TrimSpace(snippet))
	lower := strings.ToLower(snippet)

	switch {
	case status == http.StatusTooManyRequests:
		return core_domain.RateLimited(parseRetryAfter(header.Get("Retry-After"), now), cause)
	case status == http.StatusForbidden && containsAny(lower, quotaMarkers):
		return core_domain.RateLimited(parseRetryAfter(header.Get("Retry-After"), now), cause)
	case status >= 500:
		return core_domain.Retryable("provider_unavailable", cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core_domain.Permanent(core_domain.ReasonAuthRevoked, cause)
	case status == http.StatusBadRequest && containsAny(lower, invalidRecipientMarkers):
		return core_domain.Permanent(core_domain.ReasonInvalidRecipient, cause)
	case status == http.StatusRequestTimeout:
		return core_domain.Retryable("timeout", cause)
	default:
		return core_domain.Permanent(core_domain.ReasonMalformedMessage, cause)
	}
}

// normalizeTransport maps a failure to reach the provider at all.
func normalizeTransport(provider core_domain.Provider, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return core_domain.Retryable("timeout", fmt.Errorf("%s: %w", provider, err))
	default:
		return core_domain.Retryable("network", fmt.Errorf("%s: %w", provider, err))
	}
}

// normalizeSMTP maps SMTP reply codes.
func normalizeSMTP(err error) error {
	var tp *textproto.Error
	if !errors.As(err, &tp) {
		return normalizeTransport(core_domain.ProviderSMTP, err)
	}
	cause := fmt.Errorf("smtp %d: %s", tp.Code, tp.Msg)
	switch {
	case tp.Code == 421 || tp.Code == 450 || tp.Code == 451 || tp.Code == 452:
		return core_domain.RateLimited(DefaultRetryAfter, cause)
	case tp.Code >= 400 && tp.Code < 500:
		return core_domain.Retryable("smtp_transient", cause)
	case tp.Code == 535 || tp.Code == 534 || tp.Code == 530:
		return core_domain.Permanent(core_domain.ReasonAuthRevoked, cause)
	case tp.Code == 550 || tp.Code == 553 || tp.Code == 551:
		return core_domain.Permanent(core_domain.ReasonInvalidRecipient, cause)
	default:
		return core_domain.Permanent(core_domain.ReasonMalformedMessage, cause)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP-date, capped at MaxRetryAfter.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return DefaultRetryAfter
		}
		if secs >= int(MaxRetryAfter/time.Second) {
			return MaxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return min(d, MaxRetryAfter)
		}
	}
	return DefaultRetryAfter
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
