package offshore

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
	"github.com/alliance-treasury/alliance_treasury/internal/pnw"
)

// Handler exposes offshore administration endpoints.
type Handler struct {
	registry *Registry
}

// NewHandler constructs an offshore HTTP handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

type offshoreRequest struct {
	Name        string  `json:"name"`
	AllianceID  int     `json:"alliance_id"`
	Enabled     *bool   `json:"enabled"`
	Priority    int     `json:"priority"`
	APIKey      *string `json:"api_key"`
	MutationKey *string `json:"mutation_key"`
}

type guardrailsRequest struct {
	Guardrails map[string]decimal.Decimal `json:"guardrails"`
}

type offshoreResponse struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	AllianceID  int                        `json:"alliance_id"`
	Enabled     bool                       `json:"enabled"`
	Priority    int                        `json:"priority"`
	HasAPIKey   bool                       `json:"has_api_key"`
	CanWithdraw bool                       `json:"can_withdraw"`
	Guardrails  map[string]decimal.Decimal `json:"guardrails"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

type balanceResponse struct {
	Resources ledger.Ledger `json:"resources"`
	Force     bool          `json:"force"`
}

func toResponse(o Offshore) offshoreResponse {
	guardrails := make(map[string]decimal.Decimal, len(o.Guardrails))
	for _, g := range o.Guardrails {
		guardrails[g.Resource.String()] = g.MinimumAmount
	}
	return offshoreResponse{
		ID:          o.ID,
		Name:        o.Name,
		AllianceID:  o.AllianceID,
		Enabled:     o.Enabled,
		Priority:    o.Priority,
		HasAPIKey:   o.SealedAPIKey != "",
		CanWithdraw: o.SealedAPIKey != "" && o.SealedMutationKey != "",
		Guardrails:  guardrails,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

func (req offshoreRequest) input() Input {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return Input{
		Name:        req.Name,
		AllianceID:  req.AllianceID,
		Enabled:     enabled,
		Priority:    req.Priority,
		APIKey:      req.APIKey,
		MutationKey: req.MutationKey,
	}
}

// List returns offshores in fulfillment order.
func (h *Handler) List(c *fiber.Ctx) error {
	list, err := h.registry.All(c.UserContext(), c.QueryBool("include_disabled", false))
	if err != nil {
		return httpError(err)
	}
	out := make([]offshoreResponse, 0, len(list))
	for _, o := range list {
		out = append(out, toResponse(o))
	}
	return c.JSON(fiber.Map{"offshores": out})
}

// Create registers a new offshore.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req offshoreRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	o, err := h.registry.Create(c.UserContext(), req.input())
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(o))
}

// Update edits an offshore.
func (h *Handler) Update(c *fiber.Ctx) error {
	var req offshoreRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	o, err := h.registry.Update(c.UserContext(), c.Params("id"), req.input())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toResponse(o))
}

// Delete removes an offshore.
func (h *Handler) Delete(c *fiber.Ctx) error {
	if err := h.registry.Delete(c.UserContext(), c.Params("id")); err != nil {
		return httpError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// SyncGuardrails replaces the guardrail set of an offshore.
func (h *Handler) SyncGuardrails(c *fiber.Ctx) error {
	var req guardrailsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	minimums := make(map[ledger.Resource]decimal.Decimal, len(req.Guardrails))
	for name, amount := range req.Guardrails {
		res, err := ledger.ParseResource(name)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		minimums[res] = amount
	}
	o, err := h.registry.SyncGuardrails(c.UserContext(), c.Params("id"), minimums)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(toResponse(o))
}

// Balances returns the cached or, with force=true, live balance of an offshore.
func (h *Handler) Balances(c *fiber.Ctx) error {
	ctx := c.UserContext()
	o, err := h.registry.Get(ctx, c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	force := c.QueryBool("force", false)
	resources, err := h.registry.GetBalances(ctx, o, force)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(balanceResponse{Resources: resources, Force: force})
}

// Refresh re-reads the live balance of an offshore.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	ctx := c.UserContext()
	o, err := h.registry.Get(ctx, c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	resources, err := h.registry.RefreshBalances(ctx, o, true)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(balanceResponse{Resources: resources, Force: true})
}

// MainBalances returns the main treasury balance.
func (h *Handler) MainBalances(c *fiber.Ctx) error {
	force := c.QueryBool("force", false)
	var (
		resources ledger.Ledger
		err       error
	)
	if force {
		resources, err = h.registry.RefreshMainBalances(c.UserContext(), true)
	} else {
		resources, err = h.registry.MainBalances(c.UserContext(), false)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(balanceResponse{Resources: resources, Force: force})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidOffshore), errors.Is(err, ledger.ErrNegativeAmount), errors.Is(err, ledger.ErrUnknownResource):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrMainNotConfigured):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrBalanceUnavailable), errors.Is(err, pnw.ErrConnection):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
