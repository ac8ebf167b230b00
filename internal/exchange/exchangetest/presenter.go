// Package exchangetest provides a recording Presenter for tests.
package exchangetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashureev/agentrelay/internal/exchange"
)

// Op is one recorded presenter call.
type Op struct {
	Kind     string // primary, status, notify, delete, typing
	ID       string // artifact id after the call
	Created  bool
	Text     string
	Category exchange.Category
}

// Presenter records every call. Fail, when set, makes the matching kind of
// call return an error after recording it.
type Presenter struct {
	mu     sync.Mutex
	ops    []Op
	texts  map[string]string
	nextID int
	Fail   map[string]error
}

// NewPresenter returns an empty recorder.
func NewPresenter() *Presenter {
	return &Presenter{texts: make(map[string]string)}
}

func (p *Presenter) upsert(kind, id, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	created := id == ""
	if created {
		p.nextID++
		id = fmt.Sprintf("%s-%d", kind, p.nextID)
	}
	p.texts[id] = text
	p.ops = append(p.ops, Op{Kind: kind, ID: id, Created: created, Text: text})
	if err := p.Fail[kind]; err != nil {
		return "", err
	}
	return id, nil
}

func (p *Presenter) UpsertPrimary(_ context.Context, id, text string) (string, error) {
	return p.upsert("primary", id, text)
}

func (p *Presenter) UpsertStatus(_ context.Context, id, state string) (string, error) {
	return p.upsert("status", id, state)
}

func (p *Presenter) Notify(_ context.Context, category exchange.Category, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, Op{Kind: "notify", Text: text, Category: category})
	return p.Fail["notify"]
}

func (p *Presenter) DeleteArtifact(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.texts, id)
	p.ops = append(p.ops, Op{Kind: "delete", ID: id})
	return p.Fail["delete"]
}

func (p *Presenter) SendTyping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, Op{Kind: "typing"})
	return p.Fail["typing"]
}

// Ops returns recorded calls of the given kinds, or all calls when none are
// given.
func (p *Presenter) Ops(kinds ...string) []Op {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Op
	for _, op := range p.ops {
		if len(kinds) == 0 || contains(kinds, op.Kind) {
			out = append(out, op)
		}
	}
	return out
}

// Notices returns the categories of recorded notices in order.
func (p *Presenter) Notices() []exchange.Category {
	var out []exchange.Category
	for _, op := range p.Ops("notify") {
		out = append(out, op.Category)
	}
	return out
}

// Text returns the current text of a live artifact.
func (p *Presenter) Text(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.texts[id]
	return t, ok
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
