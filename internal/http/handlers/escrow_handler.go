package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/mini-escrow/backend/internal/http/dto"
	"github.com/mini-escrow/backend/internal/middleware"
	"github.com/mini-escrow/backend/internal/models"
	"github.com/mini-escrow/backend/internal/rbac"
	"github.com/mini-escrow/backend/internal/repositories"
	"github.com/mini-escrow/backend/internal/services"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type EscrowHandler struct {
	escrowService *services.EscrowService
	log           *zap.Logger
}

func NewEscrowHandler(escrowService *services.EscrowService, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrowService: escrowService, log: log}
}

func (h *EscrowHandler) CreateEscrow(c *fiber.Ctx) error {
	actor := middleware.GetActor(c)
	if actor.Role != rbac.RoleBuyer {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "only buyers can create escrows"})
	}

	var req dto.CreateEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid amount"})
	}

	escrow, err := h.escrowService.CreateEscrow(c.Context(), actor.ID, req.SellerID, amount, req.Currency)
	if err != nil {
		return h.respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: escrow})
}

func (h *EscrowHandler) GetEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	escrow, err := h.escrowService.Get(c.Context(), id, middleware.GetActor(c))
	if err != nil {
		return h.respondError(c, err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: escrow})
}

func (h *EscrowHandler) ListEscrows(c *fiber.Ctx) error {
	limit, offset := 20, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	escrows, err := h.escrowService.ListFor(c.Context(), middleware.GetActor(c), limit, offset)
	if err != nil {
		return h.respondError(c, err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: escrows})
}

func (h *EscrowHandler) Fund(c *fiber.Ctx) error {
	return h.transition(c, h.escrowService.Fund)
}

func (h *EscrowHandler) Release(c *fiber.Ctx) error {
	return h.transition(c, h.escrowService.Release)
}

func (h *EscrowHandler) Refund(c *fiber.Ctx) error {
	return h.transition(c, h.escrowService.Refund)
}

func (h *EscrowHandler) transition(c *fiber.Ctx, op func(ctx context.Context, id uuid.UUID, actor services.Actor) (*models.Escrow, error)) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	escrow, err := op(c.Context(), id, middleware.GetActor(c))
	if err != nil {
		return h.respondError(c, err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: escrow})
}

// respondError maps engine outcomes to status codes: contention is 409,
// illegal transitions and bad payloads are 400, everything unexpected is 500.
func (h *EscrowHandler) respondError(c *fiber.Ctx, err error) error {
	var ite *models.InvalidTransitionError
	switch {
	case errors.As(err, &ite):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: ite.Error()})
	case errors.Is(err, services.ErrInvalidArgument):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "forbidden"})
	case errors.Is(err, repositories.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "escrow not found"})
	case errors.Is(err, services.ErrBusy):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "resource busy, try again"})
	}

	h.log.Error("escrow request failed", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
}
