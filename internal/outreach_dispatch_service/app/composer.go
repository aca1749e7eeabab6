package app

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/lexreach/golang_services/internal/core_domain"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// ComposeInput is everything the composer may put into a message.
type ComposeInput struct {
	Record       *core_domain.OutreachRecord
	Lawyer       core_domain.LawyerProfile
	Brief        core_domain.CaseBrief
	MaxFollowUps int
	SentOn       time.Time
}

// Composed is a rendered subject and plain-text body.
type Composed struct {
	Subject string
	Body    string
}

type templateData struct {
	LawyerName     string
	Specialization string
	LegalField     string
	Summary        string
	SenderBrand    string
	FollowUpNumber int
	MaxFollowUps   int
	SentOn         time.Time
	Reference      string
}

// Composer renders initial and follow-up outreach messages from embedded templates.
type Composer struct {
	initial     *template.Template
	followUp    *template.Template
	senderBrand string
}

func NewComposer(senderBrand string) (*Composer, error) {
	initial, err := parseTemplate("initial.tmpl")
	if err != nil {
		return nil, err
	}
	followUp, err := parseTemplate("follow_up.tmpl")
	if err != nil {
		return nil, err
	}
	if senderBrand == "" {
		senderBrand = "LexReach"
	}
	return &Composer{initial: initial, followUp: followUp, senderBrand: senderBrand}, nil
}

func parseTemplate(name string) (*template.Template, error) {
	t, err := template.New(name).Funcs(sprig.TxtFuncMap()).ParseFS(templateFS, "templates/"+name)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return t, nil
}

// Compose picks the follow-up template when the record has already raised a follow-up.
func (c *Composer) Compose(in ComposeInput) (Composed, error) {
	data := templateData{
		LawyerName:     in.Lawyer.Name,
		Specialization: in.Lawyer.Specialization,
		LegalField:     in.Brief.LegalField,
		Summary:        in.Brief.Summary,
		SenderBrand:    c.senderBrand,
		FollowUpNumber: in.Record.FollowUpCount,
		MaxFollowUps:   in.MaxFollowUps,
		SentOn:         in.SentOn,
		Reference:      in.Record.OutreachID.String(),
	}
	t := c.initial
	if in.Record.IsFollowUp() {
		t = c.followUp
	}

	var subject, body bytes.Buffer
	if err := t.ExecuteTemplate(&subject, "subject", data); err != nil {
		return Composed{}, fmt.Errorf("render subject: %w", err)
	}
	if err := t.ExecuteTemplate(&body, "body", data); err != nil {
		return Composed{}, fmt.Errorf("render body: %w", err)
	}
	return Composed{
		Subject: strings.TrimSpace(subject.String()),
		Body:    strings.TrimSpace(body.String()) + "\n",
	}, nil
}
