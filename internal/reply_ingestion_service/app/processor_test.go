package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/core_domain/memrepo"
)

var replyAt = time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC)

func newProcessor() (*ReplyProcessor, *memrepo.Outreach) {
	repo := memrepo.NewOutreach()
	return NewReplyProcessor(repo, slog.New(slog.NewTextHandler(io.Discard, nil))), repo
}

func awaiting(repo *memrepo.Outreach, state core_domain.OutreachState, pmid string) *core_domain.OutreachRecord {
	rec := core_domain.NewOutreachRecord(uuid.New(), "law-1", "user-1", core_domain.ProviderGmail, replyAt.Add(-48*time.Hour))
	rec.State = state
	rec.ProviderMessageID = &pmid
	next := replyAt.Add(24 * time.Hour)
	rec.NextActionAt = &next
	repo.Put(rec)
	return rec
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		body string
		want core_domain.ResponseType
	}{
		{"interested", "INTERESTED", core_domain.ResponseInterested},
		{"interested lower case", "Yes, I'm interested in this one.", core_domain.ResponseInterested},
		{"more info", "more info please", core_domain.ResponseMoreInfo},
		{"more details", "Could you send more details?", core_domain.ResponseMoreInfo},
		{"unavailable", "UNAVAILABLE - fully booked", core_domain.ResponseUnavailable},
		{"not interested", "Not interested, thanks.", core_domain.ResponseUnavailable},
		{"empty", "   ", core_domain.ResponseUnclassified},
		{"free text", "Call me tomorrow", core_domain.ResponseUnclassified},
		{
			"quoted options ignored",
			"MORE INFO\n\nOn Mon, 2 Mar 2026 at 09:00, LexReach <intake@lexreach.example> wrote:\n> 1. INTERESTED\n> 3. UNAVAILABLE",
			core_domain.ResponseMoreInfo,
		},
		{
			"only quoted text",
			"> 1. INTERESTED\n> 2. MORE INFO",
			core_domain.ResponseUnclassified,
		},
		{
			"outlook original message",
			"Unavailable\r\n-----Original Message-----\r\n1. INTERESTED",
			core_domain.ResponseUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.body))
		})
	}
}

func TestProcess_MarksResponded(t *testing.T) {
	p, repo := newProcessor()
	rec := awaiting(repo, core_domain.StateAwaitingResponse, "gmail-123")

	res, err := p.Process(context.Background(), core_domain.ReplyEvent{
		ProviderMessageID: "gmail-123", ReplyDetectedAt: replyAt, Body: "INTERESTED",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultResponded, res)

	got, err := repo.GetByID(context.Background(), rec.OutreachID)
	require.NoError(t, err)
	assert.Equal(t, core_domain.StateResponded, got.State)
	assert.Equal(t, core_domain.ResponseInterested, got.ResponseType)
	require.NotNil(t, got.RespondedAt)
	assert.True(t, got.RespondedAt.Equal(replyAt))
	assert.Nil(t, got.NextActionAt)
}

func TestProcess_FollowUpDueCanRespond(t *testing.T) {
	p, repo := newProcessor()
	rec := awaiting(repo, core_domain.StateFollowUpDue, "gmail-9")

	res, err := p.Process(context.Background(), core_domain.ReplyEvent{ProviderMessageID: "gmail-9", ReplyDetectedAt: replyAt, Body: "unavailable"})
	require.NoError(t, err)
	assert.Equal(t, ResultResponded, res)
	got, _ := repo.GetByID(context.Background(), rec.OutreachID)
	assert.Equal(t, core_domain.ResponseUnavailable, got.ResponseType)
}

func TestProcess_RedeliveryIsNoOp(t *testing.T) {
	p, repo := newProcessor()
	rec := awaiting(repo, core_domain.StateAwaitingResponse, "gmail-1")
	evt := core_domain.ReplyEvent{ProviderMessageID: "gmail-1", ReplyDetectedAt: replyAt, Body: "MORE INFO"}

	_, err := p.Process(context.Background(), evt)
	require.NoError(t, err)

	evt.Body = "INTERESTED"
	evt.ReplyDetectedAt = replyAt.Add(time.Hour)
	res, err := p.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)

	got, _ := repo.GetByID(context.Background(), rec.OutreachID)
	assert.Equal(t, core_domain.ResponseMoreInfo, got.ResponseType)
	assert.True(t, got.RespondedAt.Equal(replyAt))
}

func TestProcess_UnknownMessageIgnored(t *testing.T) {
	p, repo := newProcessor()
	awaiting(repo, core_domain.StateAwaitingResponse, "gmail-1")

	res, err := p.Process(context.Background(), core_domain.ReplyEvent{ProviderMessageID: "nope", ReplyDetectedAt: replyAt})
	require.NoError(t, err)
	assert.Equal(t, ResultUnknown, res)
	assert.Equal(t, core_domain.StateAwaitingResponse, repo.All()[0].State)
}

func TestProcess_MatchesEarlierMessageIDOfSameRecord(t *testing.T) {
	p, repo := newProcessor()
	rec := awaiting(repo, core_domain.StateAwaitingResponse, "gmail-followup-1")
	earlier := "<" + rec.OutreachID.String() + ".0@lexreach.example>"

	res, err := p.Process(context.Background(), core_domain.ReplyEvent{ProviderMessageID: earlier, ReplyDetectedAt: replyAt, Body: "interested"})
	require.NoError(t, err)
	assert.Equal(t, ResultResponded, res)
}

func TestProcess_RecordNotAwaitingIsIgnored(t *testing.T) {
	p, repo := newProcessor()
	rec := awaiting(repo, core_domain.StateExpired, "gmail-old")

	res, err := p.Process(context.Background(), core_domain.ReplyEvent{ProviderMessageID: "gmail-old", ReplyDetectedAt: replyAt, Body: "INTERESTED"})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res)
	got, _ := repo.GetByID(context.Background(), rec.OutreachID)
	assert.Equal(t, core_domain.StateExpired, got.State)
}

func TestProcess_ReplyDuringFollowUpCycle(t *testing.T) {
	tests := []struct {
		name      string
		state     core_domain.OutreachState
		followUps int
		want      Result
		wantState core_domain.OutreachState
	}{
		{"follow-up sending", core_domain.StateSending, 1, ResultResponded, core_domain.StateResponded},
		{"follow-up retry scheduled", core_domain.StateRetryScheduled, 1, ResultResponded, core_domain.StateResponded},
		{"orphaned sent", core_domain.StateSent, 0, ResultResponded, core_domain.StateResponded},
		{"first send retrying", core_domain.StateRetryScheduled, 0, ResultIgnored, core_domain.StateRetryScheduled},
		{"first send in flight", core_domain.StateSending, 0, ResultIgnored, core_domain.StateSending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, repo := newProcessor()
			rec := core_domain.NewOutreachRecord(uuid.New(), "law-1", "user-1", core_domain.ProviderGmail, replyAt.Add(-96*time.Hour))
			rec.State = tt.state
			rec.FollowUpCount = tt.followUps
			pmid := "gmail-cycle"
			rec.ProviderMessageID = &pmid
			repo.Put(rec)

			res, err := p.Process(context.Background(), core_domain.ReplyEvent{ProviderMessageID: pmid, ReplyDetectedAt: replyAt, Body: "INTERESTED"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)

			got, _ := repo.GetByID(context.Background(), rec.OutreachID)
			assert.Equal(t, tt.wantState, got.State)
			if tt.want == ResultResponded {
				assert.Equal(t, core_domain.ResponseInterested, got.ResponseType)
			}
		})
	}
}

// advancingRepo moves the record on right after the processor looks it up.
type advancingRepo struct {
	*memrepo.Outreach
	advance func(*core_domain.OutreachRecord)
}

func (r *advancingRepo) GetByProviderMessageID(ctx context.Context, pmid string) (*core_domain.OutreachRecord, error) {
	rec, err := r.Outreach.GetByProviderMessageID(ctx, pmid)
	if err == nil {
		r.advance(rec)
	}
	return rec, err
}

func TestProcess_RecordChangedAfterLookupIsReread(t *testing.T) {
	repo := memrepo.NewOutreach()
	rec := awaiting(repo, core_domain.StateAwaitingResponse, "gmail-77")
	wrapped := &advancingRepo{Outreach: repo, advance: func(seen *core_domain.OutreachRecord) {
		_, err := repo.Transition(context.Background(), seen.OutreachID, core_domain.Transition{
			From: []core_domain.OutreachState{core_domain.StateAwaitingResponse}, To: core_domain.StateFollowUpDue,
		})
		require.NoError(t, err)
	}}
	p := NewReplyProcessor(wrapped, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := p.Process(context.Background(), core_domain.ReplyEvent{ProviderMessageID: "gmail-77", ReplyDetectedAt: replyAt, Body: "more info"})
	require.NoError(t, err)
	assert.Equal(t, ResultResponded, res)

	got, _ := repo.GetByID(context.Background(), rec.OutreachID)
	assert.Equal(t, core_domain.StateResponded, got.State)
	assert.Equal(t, core_domain.ResponseMoreInfo, got.ResponseType)
}

func TestProcess_Invalid(t *testing.T) {
	p, _ := newProcessor()
	_, err := p.Process(context.Background(), core_domain.ReplyEvent{ReplyDetectedAt: replyAt})
	assert.Error(t, err)
}

func TestOutreachIDFromReference(t *testing.T) {
	id := uuid.New()
	for _, ref := range []string{id.String(), id.String() + ".2", "<" + id.String() + ".1@x.example>"} {
		got, ok := outreachIDFromReference(ref)
		assert.True(t, ok, ref)
		assert.Equal(t, id, got)
	}
	for _, ref := range []string{"", "gmail-123", id.String() + "xyz"} {
		_, ok := outreachIDFromReference(ref)
		assert.False(t, ok, ref)
	}
}

func TestHandler(t *testing.T) {
	p, repo := newProcessor()
	rec := awaiting(repo, core_domain.StateAwaitingResponse, "outlook-7")

	data, err := json.Marshal(core_domain.ReplyEvent{ProviderMessageID: "outlook-7", ReplyDetectedAt: replyAt, Body: "INTERESTED"})
	require.NoError(t, err)
	require.NoError(t, p.Handler()(context.Background(), data))

	got, _ := repo.GetByID(context.Background(), rec.OutreachID)
	assert.Equal(t, core_domain.StateResponded, got.State)

	assert.Error(t, p.Handler()(context.Background(), []byte("{not json")))
}
