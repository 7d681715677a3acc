package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/alliance-treasury/alliance_treasury/internal/offshore"
	"github.com/alliance-treasury/alliance_treasury/internal/payout"
	"github.com/alliance-treasury/alliance_treasury/internal/transfer"
)

// RegisterOffshoreRoutes wires offshore administration and balance endpoints.
func RegisterOffshoreRoutes(r fiber.Router, h *offshore.Handler) {
	r.Get("/offshores", h.List)
	r.Post("/offshores", h.Create)
	r.Put("/offshores/:id", h.Update)
	r.Delete("/offshores/:id", h.Delete)
	r.Put("/offshores/:id/guardrails", h.SyncGuardrails)
	r.Get("/offshores/:id/balances", h.Balances)
	r.Post("/offshores/:id/refresh", h.Refresh)
	r.Get("/treasury/balances", h.MainBalances)
}

// RegisterWithdrawalRoutes wires the withdrawal workflow.
func RegisterWithdrawalRoutes(r fiber.Router, h *payout.Handler) {
	r.Post("/withdrawals", h.Submit)
	r.Post("/withdrawals/limits", h.Limits)
	r.Get("/withdrawals/:id", h.Get)
	r.Post("/withdrawals/:id/approve", h.Approve)
	r.Post("/withdrawals/:id/deny", h.Deny)
	r.Post("/withdrawals/:id/cover", h.Cover)
}

// RegisterTransferRoutes wires manual treasury transfers. Creating a
// transfer goes through the supplied guards.
func RegisterTransferRoutes(r fiber.Router, h *transfer.Handler, guards ...fiber.Handler) {
	r.Get("/transfers", h.List)
	r.Get("/transfers/:id", h.Get)
	r.Post("/transfers", append(guards, h.Create)...)
}
