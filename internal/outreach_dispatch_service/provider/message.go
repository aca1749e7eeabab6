package provider

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

const correlationHeader = "X-Outreach-ID"

// buildMessage renders msg as a plain-text RFC 822 message.
func buildMessage(msg OutgoingMessage, messageID string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromAddress, msg.FromName)
	m.SetAddressHeader("To", msg.ToAddress, msg.ToName)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader(correlationHeader, msg.CorrelationID)
	if messageID != "" {
		m.SetHeader("Message-ID", "<"+messageID+">")
	}
	m.SetDateHeader("Date", time.Now())
	m.SetBody("text/plain", msg.Body)
	return m
}

func renderRFC822(m *gomail.Message) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render message: %w", err)
	}
	return buf.Bytes(), nil
}

// messageIDFor derives a Message-ID from the correlation id and the sender's domain.
func messageIDFor(correlationID, fromAddress string) string {
	domain := "outreach.local"
	if at := strings.LastIndex(fromAddress, "@"); at >= 0 && at < len(fromAddress)-1 {
		domain = fromAddress[at+1:]
	}
	return correlationID + "@" + domain
}

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 15 * time.Second}
}
