package feed

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/exchange"
)

// Presenter publishes one scope's exchange artifacts to the hub. Artifact ids
// are random UUIDs assigned on creation.
type Presenter struct {
	hub   *Hub
	scope string
}

// Presenter returns a presenter for scope.
func (h *Hub) Presenter(scope string) *Presenter {
	return &Presenter{hub: h, scope: scope}
}

func (p *Presenter) upsert(kind, id, text string) string {
	if id == "" {
		id = uuid.NewString()
	}
	p.hub.Publish(p.scope, Message{Op: OpUpsert, ArtifactID: id, Kind: kind, Text: text})
	return id
}

func (p *Presenter) UpsertPrimary(_ context.Context, id, text string) (string, error) {
	return p.upsert("primary", id, text), nil
}

func (p *Presenter) UpsertStatus(_ context.Context, id, state string) (string, error) {
	return p.upsert("status", id, state), nil
}

func (p *Presenter) Notify(_ context.Context, category exchange.Category, text string) error {
	p.hub.Publish(p.scope, Message{Op: OpNotify, Text: text, Category: string(category)})
	return nil
}

func (p *Presenter) DeleteArtifact(_ context.Context, id string) error {
	p.hub.Publish(p.scope, Message{Op: OpDelete, ArtifactID: id})
	return nil
}

func (p *Presenter) SendTyping(context.Context) error {
	p.hub.Publish(p.scope, Message{Op: OpTyping})
	return nil
}

// ShowPreview publishes a ticket preview with its decision options.
func (p *Presenter) ShowPreview(_ context.Context, proposal domain.TicketProposal, decisions []domain.Decision) (string, error) {
	id := uuid.NewString()
	p.hub.Publish(p.scope, Message{
		Op:         OpPreview,
		ArtifactID: id,
		Kind:       "preview",
		Text:       proposal.Summary,
		Proposal:   &proposal,
		Decisions:  decisions,
	})
	return id, nil
}
