package transfer

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alliance-treasury/alliance_treasury/internal/middleware"
)

func TestHandlerCreate(t *testing.T) {
	f := newFixture(t)
	vault := f.addOffshore(t, "Vault", 1, true, 100)
	h := NewHandler(f.svc)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(middleware.AdminSubjectKey, "ops")
		return c.Next()
	})
	app.Post("/transfers", h.Create)
	app.Get("/transfers", h.List)

	send := func(body string) (int, map[string]any) {
		req := httptest.NewRequest(fiber.MethodPost, "/transfers", strings.NewReader(body))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		require.NoError(t, err)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		out := map[string]any{}
		if len(raw) > 0 && raw[0] == '{' {
			require.NoError(t, json.Unmarshal(raw, &out))
		}
		return resp.StatusCode, out
	}

	status, _ := send(`{"source":{"kind":"main"},"destination":{"kind":"main"},"resources":{"money":"1"}}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body := send(`{"source":{"kind":"offshore","offshore_id":"` + vault.ID + `"},"destination":{"kind":"main"},"resources":{"money":"60"}}`)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "ops", body["requested_by"])

	status, body = send(`{"source":{"kind":"offshore","offshore_id":"` + vault.ID + `"},"destination":{"kind":"main"},"resources":{"money":"60"}}`)
	require.Equal(t, fiber.StatusBadGateway, status)
	assert.Equal(t, "failed", body["status"])

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/transfers", nil))
	require.NoError(t, err)
	var listed struct {
		Transfers []Record `json:"transfers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Len(t, listed.Transfers, 2)
}
