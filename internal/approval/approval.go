// Package approval is the role-checked gateway in front of
// internal/booking: it is the only caller internal/httpapi talks to
// for the operator-facing list/get/approve/reject/correct operations,
// and it rejects calls the actor's role does not permit. Approve,
// Reject and Correct write a log line with the actor for every call
// that passes the role check; List and Get are neither logged nor
// audited.
package approval

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
	"github.com/mladen1312/nyx-light-racunovodja/internal/store"
)

const (
	RoleAdmin      = "admin"
	RoleAccountant = "accountant"
	RoleAssistant  = "assistant"
)

// Pipeline is the slice of internal/booking.Pipeline this gateway
// authorizes calls against.
type Pipeline interface {
	List(ctx context.Context, filter store.BookingFilter) ([]domain.Booking, error)
	Get(ctx context.Context, id string) (domain.Booking, error)
	Approve(ctx context.Context, id, actorID, correlationID string) (domain.Booking, error)
	Reject(ctx context.Context, id, actorID, reason, correlationID string) (domain.Booking, error)
	Correct(ctx context.Context, id string, patch domain.CorrectRequest, actorID, correlationID string) (domain.Booking, error)
}

type Gateway struct {
	pipeline Pipeline
	log      zerolog.Logger
}

func New(pipeline Pipeline, log zerolog.Logger) *Gateway {
	return &Gateway{pipeline: pipeline, log: log}
}

// canMutate is the role table: admin can do anything; accountant can
// approve/reject/correct; assistant is read-only (list/get) plus chat,
// enforced elsewhere in httpapi.
func canMutate(role string) bool {
	return role == RoleAdmin || role == RoleAccountant
}

func (g *Gateway) List(ctx context.Context, role string, filter store.BookingFilter) ([]domain.Booking, error) {
	return g.pipeline.List(ctx, filter)
}

func (g *Gateway) Get(ctx context.Context, role, id string) (domain.Booking, error) {
	return g.pipeline.Get(ctx, id)
}

func (g *Gateway) Approve(ctx context.Context, role, id, actorID, correlationID string) (domain.Booking, error) {
	if !canMutate(role) {
		return domain.Booking{}, fmt.Errorf("%w: role %q cannot approve", domain.ErrForbidden, role)
	}
	b, err := g.pipeline.Approve(ctx, id, actorID, correlationID)
	g.log.Info().Err(err).Str("booking_id", id).Str("actor_id", actorID).Str("op", "approve").Msg("approval gateway call")
	return b, err
}

func (g *Gateway) Reject(ctx context.Context, role, id, actorID, reason, correlationID string) (domain.Booking, error) {
	if !canMutate(role) {
		return domain.Booking{}, fmt.Errorf("%w: role %q cannot reject", domain.ErrForbidden, role)
	}
	b, err := g.pipeline.Reject(ctx, id, actorID, reason, correlationID)
	g.log.Info().Err(err).Str("booking_id", id).Str("actor_id", actorID).Str("op", "reject").Msg("approval gateway call")
	return b, err
}

func (g *Gateway) Correct(ctx context.Context, role, id string, patch domain.CorrectRequest, actorID, correlationID string) (domain.Booking, error) {
	if !canMutate(role) {
		return domain.Booking{}, fmt.Errorf("%w: role %q cannot correct", domain.ErrForbidden, role)
	}
	b, err := g.pipeline.Correct(ctx, id, patch, actorID, correlationID)
	g.log.Info().Err(err).Str("booking_id", id).Str("actor_id", actorID).Str("op", "correct").Msg("approval gateway call")
	return b, err
}
