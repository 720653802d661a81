package reward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/punchcard-io/punchcard/pkg/circuit"
)

var ErrMintUnavailable = errors.New("reward: mint service unavailable")

// Minter is the external reward minting collaborator. Mint must be idempotent
// on the key (the payment id): retrying a completed mint returns the original
// transaction reference instead of minting twice.
type Minter interface {
	Mint(ctx context.Context, destination string, amountMinor int64, idempotencyKey string) (string, error)
}

// HTTPMinter calls the minting service over HTTP with a bounded timeout and a
// circuit breaker. No retries happen here; failed mints are retried
// out-of-band with the same idempotency key.
type HTTPMinter struct {
	baseURL string
	client  *http.Client
	breaker *circuit.Breaker
}

// HTTPMinterConfig configures the mint client
type HTTPMinterConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxFailures int
	CoolDown    time.Duration
}

// NewHTTPMinter creates a mint client
func NewHTTPMinter(cfg HTTPMinterConfig) *HTTPMinter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown == 0 {
		cfg.CoolDown = 30 * time.Second
	}

	return &HTTPMinter{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "reward-mint",
			MaxFailures: cfg.MaxFailures,
			Timeout:     cfg.CoolDown,
			HalfOpenMax: 3,
		}),
	}
}

type mintRequest struct {
	Destination    string `json:"destination"`
	AmountMinor    int64  `json:"amount_minor"`
	IdempotencyKey string `json:"idempotency_key"`
}

type mintResponse struct {
	TxRef string `json:"tx_ref"`
	Error string `json:"error,omitempty"`
}

func (m *HTTPMinter) Mint(ctx context.Context, destination string, amountMinor int64, idempotencyKey string) (string, error) {
	var txRef string

	err := m.breaker.Execute(ctx, func() error {
		body, err := json.Marshal(mintRequest{
			Destination:    destination,
			AmountMinor:    amountMinor,
			IdempotencyKey: idempotencyKey,
		})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/mint", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey)

		resp, err := m.client.Do(req)
		if err != nil {
			return fmt.Errorf("mint request failed: %w", err)
		}
		defer resp.Body.Close()

		var out mintResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode mint response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("mint returned %d: %s", resp.StatusCode, out.Error)
		}

		txRef = out.TxRef
		return nil
	})

	if err != nil {
		if errors.Is(err, circuit.ErrCircuitOpen) || errors.Is(err, circuit.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrMintUnavailable, err)
		}
		return "", err
	}
	return txRef, nil
}

// BreakerState exposes the mint breaker state for health reporting
func (m *HTTPMinter) BreakerState() circuit.State {
	return m.breaker.State()
}
