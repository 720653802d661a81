package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

var ErrUnknownParty = errors.New("identity: unknown party")

// Party is the directory's view of a payer or payee.
type Party struct {
	ID        string `json:"id"`
	Role      string `json:"role"` // "customer" or "merchant"
	PushToken string `json:"push_token,omitempty"`
}

// Directory resolves identities against the user service. Resolution happens
// before any ledger write, so an unknown party is a pure validation failure.
type Directory interface {
	Resolve(ctx context.Context, id string) (*Party, error)
}

// HTTPDirectory resolves parties against the user service REST API.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDirectory creates a directory client
func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &HTTPDirectory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDirectory) Resolve(ctx context.Context, id string) (*Party, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.baseURL+"/v1/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUnknownParty
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned %d", resp.StatusCode)
	}

	var party Party
	if err := json.NewDecoder(resp.Body).Decode(&party); err != nil {
		return nil, fmt.Errorf("failed to decode party: %w", err)
	}
	return &party, nil
}

// StaticDirectory is a fixed in-memory directory for tests and dev runs.
type StaticDirectory struct {
	mu      sync.RWMutex
	parties map[string]*Party
}

// NewStaticDirectory creates a directory seeded with the given parties
func NewStaticDirectory(parties ...*Party) *StaticDirectory {
	d := &StaticDirectory{parties: make(map[string]*Party)}
	for _, p := range parties {
		d.parties[p.ID] = p
	}
	return d
}

// Add registers a party
func (d *StaticDirectory) Add(p *Party) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parties[p.ID] = p
}

func (d *StaticDirectory) Resolve(ctx context.Context, id string) (*Party, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.parties[id]
	if !ok {
		return nil, ErrUnknownParty
	}
	cp := *p
	return &cp, nil
}
