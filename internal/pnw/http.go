package pnw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
	"github.com/alliance-treasury/alliance_treasury/internal/logging"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
	maxRetryAfter      = 30 * time.Second
)

// Options configures the HTTP game API client.
type Options struct {
	BaseURL           string
	APIKey            string
	RequestsPerMinute int
	MaxAttempts       int
	Backoff           time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// HTTPClient talks to the game's GraphQL endpoint.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	http        *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// NewHTTPClient builds a GraphQL client with retry and client-side pacing.
func NewHTTPClient(opts Options) *HTTPClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		http:        httpClient,
		limiter:     limiter,
		maxAttempts: attempts,
		backoff:     backoff,
		logger:      logging.Component(opts.Logger, "pnw_client"),
	}
}

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// retryableError marks a failure worth another attempt. sent is false when
// the server provably rejected the request before acting on it.
type retryableError struct {
	err        error
	retryAfter time.Duration
	sent       bool
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// AllianceBalances reads the bank balances of an alliance. An empty read key
// falls back to the service key.
func (c *HTTPClient) AllianceBalances(ctx context.Context, allianceID int, creds Credentials) (ledger.Ledger, error) {
	query := fmt.Sprintf(`{ alliances(id: [%d], first: 1) { data { id %s } } }`, allianceID, balanceFields())
	data, err := c.execute(ctx, query, creds, false)
	if err != nil {
		return ledger.Ledger{}, err
	}

	var payload struct {
		Alliances struct {
			Data []map[string]json.RawMessage `json:"data"`
		} `json:"alliances"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ledger.Ledger{}, fmt.Errorf("decode alliance balances: %w", err)
	}
	if len(payload.Alliances.Data) == 0 {
		return ledger.Ledger{}, &APIError{Messages: []string{fmt.Sprintf("alliance %d not found", allianceID)}}
	}

	var out ledger.Ledger
	row := payload.Alliances.Data[0]
	for _, r := range ledger.All() {
		if !r.Bankable() {
			continue
		}
		raw, ok := row[r.String()]
		if !ok || string(raw) == "null" {
			continue
		}
		v, err := decimal.NewFromString(strings.Trim(string(raw), `"`))
		if err != nil {
			return ledger.Ledger{}, fmt.Errorf("decode %s balance: %w", r, err)
		}
		out.Set(r, v)
	}
	return out, nil
}

// Withdraw issues a bankWithdraw mutation with the request's credentials.
func (c *HTTPClient) Withdraw(ctx context.Context, req WithdrawRequest) error {
	if !req.Credentials.CanMutate() {
		return ErrMissingCredentials
	}
	if req.Resources.Positive().IsZero() {
		return fmt.Errorf("withdrawal must move at least one resource")
	}

	data, err := c.execute(ctx, withdrawMutation(req), req.Credentials, true)
	if err != nil {
		return err
	}

	var payload struct {
		BankWithdraw *struct {
			ID json.RawMessage `json:"id"`
		} `json:"bankWithdraw"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode withdrawal response: %w", err)
	}
	if payload.BankWithdraw == nil {
		return &APIError{Messages: []string{"withdrawal was not recorded"}}
	}
	return nil
}

func balanceFields() string {
	names := make([]string, 0, len(ledger.All()))
	for _, r := range ledger.All() {
		if r.Bankable() {
			names = append(names, r.String())
		}
	}
	return strings.Join(names, " ")
}

func withdrawMutation(req WithdrawRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mutation { bankWithdraw(receiver: %d, receiver_type: %d", req.ReceiverID, req.ReceiverType)
	resources := req.Resources.Positive()
	for _, r := range resources.Resources() {
		fmt.Fprintf(&b, ", %s: %s", r, resources.Get(r).StringFixed(2))
	}
	if req.Note != "" {
		fmt.Fprintf(&b, ", note: %s", strconv.Quote(req.Note))
	}
	b.WriteString(") { id } }")
	return b.String()
}

// execute runs a query with bounded exponential retries. Queries retry on
// transport errors, 429 and 5xx; mutations only retry when the server
// rejected the request before processing it.
func (c *HTTPClient) execute(ctx context.Context, query string, creds Credentials, mutation bool) (json.RawMessage, error) {
	key := creds.APIKey
	if key == "" {
		key = c.apiKey
	}
	body, err := json.Marshal(graphQLRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	endpoint := c.baseURL + "?api_key=" + url.QueryEscape(key)

	policy := &retryAfterBackOff{BackOff: backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxAttempts-1))}
	attempt := 0
	var data json.RawMessage
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrConnection, err))
		}
		out, err := c.do(ctx, endpoint, body, key, creds.MutationKey, mutation)
		if err == nil {
			data = out
			return nil
		}
		var retry *retryableError
		if !errors.As(err, &retry) {
			return backoff.Permanent(err)
		}
		if mutation && retry.sent {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrConnection, err))
		}
		policy.hint = retry.retryAfter
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("game api request failed; retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Bool("mutation", mutation),
			slog.Any("error", err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		if errors.Is(err, ctx.Err()) && !errors.Is(err, ErrConnection) {
			return nil, fmt.Errorf("%w: %v", ErrConnection, err)
		}
		return nil, err
	}
	return data, nil
}

func (c *HTTPClient) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxRetryAfter
	b.MaxElapsedTime = 0
	return b
}

// retryAfterBackOff stretches the next wait to the server's Retry-After hint
// when that is longer than the exponential schedule.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}

func (c *HTTPClient) do(ctx context.Context, endpoint string, body []byte, apiKey, mutationKey string, mutation bool) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", apiKey)
	if mutation {
		req.Header.Set("X-Bot-Key", mutationKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &retryableError{err: err, sent: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &retryableError{
			err:        fmt.Errorf("rate limited (status %d)", resp.StatusCode),
			retryAfter: parseRetryAfter(resp.Header),
		}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &retryableError{err: fmt.Errorf("server error (status %d)", resp.StatusCode), sent: true}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("read response: %w", err), sent: true}
	}

	var decoded graphQLResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &APIError{Messages: []string{fmt.Sprintf("unexpected status %d", resp.StatusCode)}}
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		msgs := make([]string, 0, len(decoded.Errors))
		for _, e := range decoded.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, &APIError{Messages: msgs}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Messages: []string{fmt.Sprintf("unexpected status %d", resp.StatusCode)}}
	}
	return decoded.Data, nil
}

func parseRetryAfter(h http.Header) time.Duration {
	for _, name := range []string{"Retry-After", "X-RateLimit-Reset-After"} {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		if seconds, err := strconv.ParseFloat(v, 64); err == nil && seconds > 0 {
			d := time.Duration(seconds * float64(time.Second))
			if d > maxRetryAfter {
				d = maxRetryAfter
			}
			return d
		}
	}
	return 0
}
