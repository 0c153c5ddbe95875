package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/carepass/internal/apperrors"
	"github.com/nkiryanov/carepass/internal/handlers/actorctx"
	"github.com/nkiryanov/carepass/internal/handlers/middleware"
	"github.com/nkiryanov/carepass/internal/handlers/render"
	"github.com/nkiryanov/carepass/internal/logger"
	"github.com/nkiryanov/carepass/internal/models"
	"github.com/nkiryanov/carepass/internal/service/verification"
)

// Tokens always travel in request bodies so they never end up in access logs
type TokenHandler struct {
	tokens verification.TokenService
	ips    *middleware.ClientIPResolver
	logger logger.Logger
}

type IssueRequest struct {
	EntityType string `json:"entity_type" validate:"required,entity_type"`
	EntityID   string `json:"entity_id" validate:"required,max=128"`
	TTLMinutes int    `json:"ttl_minutes" validate:"gt=0"`
}

type IssueResponse struct {
	Token     string    `json:"token"`
	TokenID   uuid.UUID `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ValidateRequest struct {
	Token   string `json:"token" validate:"required"`
	Consume bool   `json:"consume"`
}

type VerdictResponse struct {
	Verdict    models.VerdictKind `json:"verdict"`
	TokenID    *uuid.UUID         `json:"token_id,omitempty"`
	EntityType models.EntityType  `json:"entity_type,omitempty"`
	EntityID   string             `json:"entity_id,omitempty"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
	Consumed   bool               `json:"consumed,omitempty"`
	UsedAt     *time.Time         `json:"used_at,omitempty"`
	RevokedAt  *time.Time         `json:"revoked_at,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

type RevokeRequest struct {
	Token  string `json:"token" validate:"required"`
	Reason string `json:"reason" validate:"max=512"`
}

type RevokeResponse struct {
	Revoked bool `json:"revoked"`
}

type StatusRequest struct {
	Token string `json:"token" validate:"required"`
}

type StatusResponse struct {
	Status models.TokenState `json:"status"`
}

func NewTokenHandler(tokens verification.TokenService, ips *middleware.ClientIPResolver, l logger.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, ips: ips, logger: l}
}

func (h *TokenHandler) issue(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Internal service error", http.StatusInternalServerError)
		return
	}

	req, err := render.BindAndValidate[IssueRequest](w, r)
	if err != nil {
		return
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	issued, err := h.tokens.Issue(r.Context(), models.EntityType(req.EntityType), req.EntityID, actor.ID, ttl)
	switch {
	case err == nil:
		render.JSONWithStatus(w, IssueResponse{
			Token:     issued.Value,
			TokenID:   issued.ID,
			ExpiresAt: issued.ExpiresAt,
		}, http.StatusCreated)
	case errors.Is(err, apperrors.ErrInvalidTTL):
		render.ServiceError(w, "Token ttl is out of range", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrUnknownEntityType), errors.Is(err, apperrors.ErrInvalidArgument):
		render.ServiceError(w, "Invalid token request", http.StatusBadRequest)
	default:
		h.logger.Error("Issue failed", "error", err, "actor", actor.ID)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *TokenHandler) validate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Internal service error", http.StatusInternalServerError)
		return
	}

	req, err := render.BindAndValidate[ValidateRequest](w, r)
	if err != nil {
		return
	}

	verdict, err := h.tokens.Validate(r.Context(), req.Token, verification.ValidateOptions{
		Consume: req.Consume,
		Actor:   actor.ID,
		Client: models.ClientContext{
			IP:     h.ips.ClientIP(r),
			Device: r.Header.Get("X-Device-ID"),
		},
	})
	if err != nil {
		h.logger.Error("Validate failed", "error", err, "actor", actor.ID)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	render.JSONWithStatus(w, verdictResponse(verdict), verdictStatus(verdict.Kind))
}

func (h *TokenHandler) revoke(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Internal service error", http.StatusInternalServerError)
		return
	}

	req, err := render.BindAndValidate[RevokeRequest](w, r)
	if err != nil {
		return
	}

	revoked, err := h.tokens.Revoke(r.Context(), req.Token, actor.ID, req.Reason)
	switch {
	case err == nil && revoked:
		render.JSON(w, RevokeResponse{Revoked: true})
	case err == nil:
		render.ServiceError(w, "Token is not active", http.StatusConflict)
	case errors.Is(err, apperrors.ErrTokenMalformed):
		render.ServiceError(w, "Token is malformed", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrTokenTampered):
		render.ServiceError(w, "Token signature mismatch", http.StatusUnauthorized)
	case errors.Is(err, apperrors.ErrTokenNotFound):
		render.ServiceError(w, "Token not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrInvalidArgument):
		render.ServiceError(w, "Invalid revoke request", http.StatusBadRequest)
	default:
		h.logger.Error("Revoke failed", "error", err, "actor", actor.ID)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *TokenHandler) status(w http.ResponseWriter, r *http.Request) {
	req, err := render.BindAndValidate[StatusRequest](w, r)
	if err != nil {
		return
	}

	state, err := h.tokens.Status(r.Context(), req.Token)
	if err != nil {
		h.logger.Error("Status failed", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	render.JSON(w, StatusResponse{Status: state})
}

// Only the fields the verdict kind carries are rendered
func verdictResponse(v models.Verdict) VerdictResponse {
	res := VerdictResponse{Verdict: v.Kind}

	switch v.Kind {
	case models.VerdictValid:
		res.TokenID = &v.TokenID
		res.EntityType = v.EntityType
		res.EntityID = v.EntityID
		res.ExpiresAt = &v.ExpiresAt
		res.Consumed = v.Consumed
	case models.VerdictExpired:
		res.TokenID = &v.TokenID
		res.ExpiresAt = &v.ExpiresAt
	case models.VerdictAlreadyUsed:
		res.TokenID = &v.TokenID
		res.UsedAt = v.UsedAt
	case models.VerdictRevoked:
		res.TokenID = &v.TokenID
		res.RevokedAt = v.RevokedAt
		res.Reason = v.RevocationReason
	}

	return res
}

func verdictStatus(kind models.VerdictKind) int {
	switch kind {
	case models.VerdictValid:
		return http.StatusOK
	case models.VerdictMalformed:
		return http.StatusBadRequest
	case models.VerdictTampered:
		return http.StatusUnauthorized
	case models.VerdictNotFound:
		return http.StatusNotFound
	case models.VerdictExpired, models.VerdictAlreadyUsed, models.VerdictRevoked:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
