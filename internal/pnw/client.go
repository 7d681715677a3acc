package pnw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

var (
	// ErrConnection wraps transport level failures that survived the retry policy.
	ErrConnection = errors.New("game api connection failed")

	// ErrMissingCredentials indicates a mutation was attempted without a usable key pair.
	ErrMissingCredentials = errors.New("missing api credentials")
)

// APIError is a remote rejection: the API answered but refused the query or mutation.
type APIError struct {
	Messages []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return "game api error"
	}
	return fmt.Sprintf("game api error: %s", strings.Join(e.Messages, "; "))
}

// Credentials is the read/mutation key pair used against the game API.
type Credentials struct {
	APIKey      string
	MutationKey string
}

// CanMutate reports whether the pair can authorize bank mutations.
func (c Credentials) CanMutate() bool {
	return c.APIKey != "" && c.MutationKey != ""
}

// ReceiverType selects who receives a bank withdrawal.
type ReceiverType int

const (
	ReceiverNation   ReceiverType = 1
	ReceiverAlliance ReceiverType = 2
)

// WithdrawRequest moves resources out of an alliance bank.
type WithdrawRequest struct {
	FromAllianceID int
	ReceiverID     int
	ReceiverType   ReceiverType
	Resources      ledger.Ledger
	Note           string
	Credentials    Credentials
}

// Client is the subset of the game API the treasury relies on.
type Client interface {
	AllianceBalances(ctx context.Context, allianceID int, creds Credentials) (ledger.Ledger, error)
	Withdraw(ctx context.Context, req WithdrawRequest) error
}
