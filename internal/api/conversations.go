package api

import (
	"sync"

	"github.com/ashureev/agentrelay/internal/domain"
)

// conversations keeps the most recent turns per scope for transcript context.
type conversations struct {
	mu    sync.Mutex
	turns map[string][]domain.Turn
	max   int
}

func newConversations(max int) *conversations {
	if max <= 0 {
		max = 10
	}
	return &conversations{turns: make(map[string][]domain.Turn), max: max}
}

func (c *conversations) Turns(scope string) []domain.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Turn, len(c.turns[scope]))
	copy(out, c.turns[scope])
	return out
}

func (c *conversations) Append(scope string, turns ...domain.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := append(c.turns[scope], turns...)
	if len(all) > c.max {
		all = append([]domain.Turn(nil), all[len(all)-c.max:]...)
	}
	c.turns[scope] = all
}

func (c *conversations) Clear(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.turns, scope)
}
