package exchange

import (
	"context"
	"log/slog"
)

// Category labels a notice so presenters can style it.
type Category string

const (
	CategoryRateLimit         Category = "rate_limit"
	CategoryPermission        Category = "permission"
	CategoryNotFound          Category = "not_found"
	CategoryToolError         Category = "tool_error"
	CategoryPermissionRequest Category = "permission_request"
	CategoryInterrupted       Category = "interrupted"
	CategoryPartial           Category = "partial"
	CategoryTimeout           Category = "timeout"
	CategoryError             Category = "error"
	CategoryInfo              Category = "info"
)

// Presenter renders exchange output for the calling UI layer.
//
// UpsertPrimary and UpsertStatus create an artifact when id is empty and edit
// it in place otherwise; both return the artifact's id. SendTyping may be
// called concurrently with the other methods. Errors are logged by the
// coordinator and never abort an exchange.
type Presenter interface {
	UpsertPrimary(ctx context.Context, id, text string) (string, error)
	UpsertStatus(ctx context.Context, id, state string) (string, error)
	Notify(ctx context.Context, category Category, text string) error
	DeleteArtifact(ctx context.Context, id string) error
	SendTyping(ctx context.Context) error
}

// safePresenter swallows presenter failures after logging them.
type safePresenter struct {
	p      Presenter
	logger *slog.Logger
}

func (s *safePresenter) upsertPrimary(ctx context.Context, id, text string) string {
	newID, err := s.p.UpsertPrimary(ctx, id, text)
	if err != nil {
		s.logger.Warn("Failed to update response artifact", "artifact_id", id, "error", err)
		return id
	}
	return newID
}

func (s *safePresenter) upsertStatus(ctx context.Context, id, state string) string {
	newID, err := s.p.UpsertStatus(ctx, id, state)
	if err != nil {
		s.logger.Warn("Failed to update status artifact", "artifact_id", id, "error", err)
		return id
	}
	return newID
}

func (s *safePresenter) notify(ctx context.Context, category Category, text string) {
	if err := s.p.Notify(ctx, category, text); err != nil {
		s.logger.Warn("Failed to send notice", "category", category, "error", err)
	}
}

func (s *safePresenter) deleteArtifact(ctx context.Context, id string) {
	if err := s.p.DeleteArtifact(ctx, id); err != nil {
		s.logger.Debug("Status artifact cleanup failed", "artifact_id", id, "error", err)
	}
}

func (s *safePresenter) sendTyping(ctx context.Context) {
	if err := s.p.SendTyping(ctx); err != nil && ctx.Err() == nil {
		s.logger.Debug("Typing signal failed", "error", err)
	}
}
