package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/smtp"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/lexreach/golang_services/internal/core_domain"
)

// smtpSendFunc delivers one message with the given auth.
type smtpSendFunc func(m *gomail.Message, auth smtp.Auth) error

// SMTPAdapter relays through an SMTP server that accepts XOAUTH2.
type SMTPAdapter struct {
	host     string
	port     int
	auth     Authorizer
	sendFn   smtpSendFunc
	logger   *slog.Logger
	throttle throttleTracker
	now      func() time.Time
}

func NewSMTPAdapter(host string, port int, auth Authorizer, logger *slog.Logger) *SMTPAdapter {
	a := &SMTPAdapter{
		host:   host,
		port:   port,
		auth:   auth,
		logger: logger.With("provider", core_domain.ProviderSMTP),
		now:    time.Now,
	}
	a.sendFn = a.dialAndSend
	return a
}

func (a *SMTPAdapter) dialAndSend(m *gomail.Message, auth smtp.Auth) error {
	d := gomail.NewDialer(a.host, a.port, "", "")
	d.Auth = auth
	return d.DialAndSend(m)
}

func (a *SMTPAdapter) Provider() core_domain.Provider { return core_domain.ProviderSMTP }

func (a *SMTPAdapter) Authorize(state string) string { return authorize(a.auth, state) }

func (a *SMTPAdapter) QuotaStatus(_ context.Context) QuotaStatus {
	return a.throttle.snapshot(a.Provider(), a.now())
}

func (a *SMTPAdapter) Send(ctx context.Context, token core_domain.AccessToken, msg OutgoingMessage) (*SendResult, error) {
	start := time.Now()
	res, err := a.send(ctx, token, msg)
	providerRequestDuration.WithLabelValues(string(a.Provider()), outcomeLabel(err)).Observe(time.Since(start).Seconds())
	a.throttle.observe(err, a.now())
	return res, err
}

func (a *SMTPAdapter) send(ctx context.Context, token core_domain.AccessToken, msg OutgoingMessage) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, core_domain.Retryable("cancelled", err)
	}
	user := token.AccountEmail
	if user == "" {
		user = msg.FromAddress
	}
	messageID := messageIDFor(msg.CorrelationID, msg.FromAddress)
	m := buildMessage(msg, messageID)

	if err := a.sendFn(m, &xoauth2Auth{username: user, token: token.Value}); err != nil {
		perr := normalizeSMTP(err)
		a.logger.WarnContext(ctx, "SMTP send rejected", "outreach_id", msg.OutreachID, "error", perr)
		return nil, perr
	}
	a.logger.InfoContext(ctx, "SMTP relay accepted message", "outreach_id", msg.OutreachID, "provider_message_id", messageID)
	return &SendResult{ProviderMessageID: messageID, AcceptedAt: a.now()}, nil
}

// xoauth2Auth implements the XOAUTH2 SASL mechanism.
type xoauth2Auth struct {
	username string
	token    string
}

func (x *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS && server.Name != "localhost" && server.Name != "127.0.0.1" {
		return "", nil, errors.New("xoauth2 requires a TLS connection")
	}
	return "XOAUTH2", []byte("user=" + x.username + "\x01auth=Bearer " + x.token + "\x01\x01"), nil
}

// Next answers the server's error challenge with an empty response so it reports the failure code.
func (x *xoauth2Auth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}

var _ Adapter = (*SMTPAdapter)(nil)
