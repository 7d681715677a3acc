package payout

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
	"github.com/alliance-treasury/alliance_treasury/internal/lock"
	"github.com/alliance-treasury/alliance_treasury/internal/middleware"
	"github.com/alliance-treasury/alliance_treasury/internal/withdrawal"
)

// Handler exposes the withdrawal workflow endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a withdrawal workflow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type submitRequest struct {
	NationID  int           `json:"nation_id"`
	AccountID int           `json:"account_id"`
	Resources ledger.Ledger `json:"resources"`
	Note      string        `json:"note"`
}

type denyRequest struct {
	Reason string `json:"reason"`
}

// Submit records a withdrawal and runs it through the workflow.
func (h *Handler) Submit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	out, err := h.service.Submit(c.UserContext(), SubmitInput{
		NationID:  req.NationID,
		AccountID: req.AccountID,
		Resources: req.Resources,
		Note:      req.Note,
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(out)
}

// Get returns a stored transaction.
func (h *Handler) Get(c *fiber.Ctx) error {
	tx, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(tx)
}

// Approve pays out a pending transaction.
func (h *Handler) Approve(c *fiber.Ctx) error {
	approver := middleware.AdminSubject(c)
	out, err := h.service.Approve(c.UserContext(), c.Params("id"), approver)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(out)
}

// Deny rejects a pending transaction.
func (h *Handler) Deny(c *fiber.Ctx) error {
	var req denyRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	out, err := h.service.Deny(c.UserContext(), c.Params("id"), req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(out)
}

// Cover runs a manual offshore fulfillment pass for a transaction.
func (h *Handler) Cover(c *fiber.Ctx) error {
	result, err := h.service.Cover(c.UserContext(), c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(result)
}

// Limits previews the daily limit decision for a prospective withdrawal.
func (h *Handler) Limits(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	decision, err := h.service.Limits(c.UserContext(), req.NationID, req.Resources)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(decision)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, withdrawal.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotPending), errors.Is(err, withdrawal.ErrDuplicate):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrBusy), errors.Is(err, lock.ErrNotAcquired):
		return fiber.NewError(http.StatusLocked, err.Error())
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ledger.ErrNegativeAmount), errors.Is(err, ledger.ErrUnknownResource):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
