package transfer

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
	"github.com/alliance-treasury/alliance_treasury/internal/middleware"
	"github.com/alliance-treasury/alliance_treasury/internal/offshore"
)

// Handler exposes admin transfer endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a transfer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type transferRequest struct {
	Source      Endpoint      `json:"source"`
	Destination Endpoint      `json:"destination"`
	Resources   ledger.Ledger `json:"resources"`
	Note        string        `json:"note"`
}

// Create performs a treasury transfer. A transfer the game API rejected is
// answered with 502 and the failed record.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	requester := middleware.AdminSubject(c)
	rec, err := h.service.Execute(c.UserContext(), Request{
		Source:      req.Source,
		Destination: req.Destination,
		Resources:   req.Resources,
		Note:        req.Note,
		RequestedBy: requester,
	})
	if err != nil {
		return httpError(err)
	}
	if rec.Status == StatusFailed {
		return c.Status(http.StatusBadGateway).JSON(rec)
	}
	return c.Status(http.StatusCreated).JSON(rec)
}

// List returns recent transfers.
func (h *Handler) List(c *fiber.Ctx) error {
	records, err := h.service.List(c.UserContext(), c.QueryInt("limit", defaultListLimit))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{"transfers": records})
}

// Get returns one transfer.
func (h *Handler) Get(c *fiber.Ctx) error {
	rec, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(rec)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, offshore.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidRoute), errors.Is(err, ErrInvalidTransfer), errors.Is(err, ledger.ErrNegativeAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, offshore.ErrMainNotConfigured):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
