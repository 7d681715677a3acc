package transfer

import (
	"time"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

// EndpointKind names one side of a treasury transfer.
type EndpointKind string

const (
	EndpointMain     EndpointKind = "main"
	EndpointOffshore EndpointKind = "offshore"
)

// Endpoint is the main bank or a registered offshore.
type Endpoint struct {
	Kind       EndpointKind `json:"kind"`
	OffshoreID string       `json:"offshore_id,omitempty"`
}

// Main is the main bank endpoint.
func Main() Endpoint { return Endpoint{Kind: EndpointMain} }

// Offshore is the endpoint of the offshore with id.
func Offshore(id string) Endpoint { return Endpoint{Kind: EndpointOffshore, OffshoreID: id} }

func (e Endpoint) String() string {
	if e.Kind == EndpointOffshore {
		return "offshore:" + e.OffshoreID
	}
	return string(e.Kind)
}

// Status tracks a transfer from request to settlement.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the persisted audit trail of one admin transfer.
type Record struct {
	ID          string        `json:"id"`
	Source      Endpoint      `json:"source"`
	Destination Endpoint      `json:"destination"`
	Resources   ledger.Ledger `json:"resources"`
	Note        string        `json:"note,omitempty"`
	Status      Status        `json:"status"`
	Error       string        `json:"error,omitempty"`
	RequestedBy string        `json:"requested_by,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}
