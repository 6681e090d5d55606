// Package transport implements the HTTP client side of replica sync:
// pairing with a peer daemon and pulling its operation log.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/caravel-labs/caravel/internal/crdt"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 30 * time.Second

var (
	errMissingBaseURL       = errors.New("transport: peer base url is required")
	errMissingPairingSecret = errors.New("transport: pairing secret is required")
	errMissingInstanceID    = errors.New("transport: local instance id is required")

	// ErrNotPaired indicates a sync call before a successful pairing.
	ErrNotPaired = errors.New("transport: not paired with peer")
)

// ClientConfig describes how to reach one peer daemon.
type ClientConfig struct {
	BaseURL       string
	PairingSecret string
	// InstanceID identifies the local replica to the peer.
	InstanceID uuid.UUID
	DeviceName string
	Platform   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to a single peer daemon. It implements library.Fetcher:
// each Fetch pulls the next page of the peer's own operations.
type Client struct {
	baseURL       string
	pairingSecret string
	instanceID    uuid.UUID
	deviceName    string
	platform      string
	httpClient    *http.Client
	logger        *zap.Logger

	mu            sync.Mutex
	token         string
	peerReplicaID uuid.UUID
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.PairingSecret == "" {
		return nil, errMissingPairingSecret
	}
	if cfg.InstanceID == uuid.Nil {
		return nil, errMissingInstanceID
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		pairingSecret: cfg.PairingSecret,
		instanceID:    cfg.InstanceID,
		deviceName:    cfg.DeviceName,
		platform:      cfg.Platform,
		httpClient:    httpClient,
		logger:        logger,
	}, nil
}

type pairRequest struct {
	PairingSecret string `json:"pairing_secret"`
	InstanceID    string `json:"instance_id"`
	DeviceName    string `json:"device_name"`
	Platform      string `json:"platform"`
}

type pairResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ReplicaID   string `json:"replica_id"`
}

// Pair exchanges the pairing secret for a bearer token and learns the
// peer's replica identity.
func (c *Client) Pair(ctx context.Context) error {
	body, err := json.Marshal(pairRequest{
		PairingSecret: c.pairingSecret,
		InstanceID:    c.instanceID.String(),
		DeviceName:    c.deviceName,
		Platform:      c.platform,
	})
	if err != nil {
		return fmt.Errorf("transport: pair request encode failed: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: pair request build failed: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("transport: pair request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: pairing rejected with status %d", response.StatusCode)
	}

	var decoded pairResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("transport: pair response decode failed: %w", err)
	}
	replicaID, err := uuid.Parse(decoded.ReplicaID)
	if err != nil {
		return fmt.Errorf("transport: peer replica id is invalid: %w", err)
	}

	c.mu.Lock()
	c.token = decoded.AccessToken
	c.peerReplicaID = replicaID
	c.mu.Unlock()

	c.logger.Info("paired with peer",
		zap.String("peer", c.baseURL),
		zap.String("peer_replica_id", replicaID.String()))
	return nil
}

// PeerReplicaID returns the peer's replica identity, once paired.
func (c *Client) PeerReplicaID() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerReplicaID, c.peerReplicaID != uuid.Nil
}

// Fetch pulls the next page of the peer's own operations, newer than
// the watermark this replica holds for the peer. Pairs (or re-pairs on
// an expired token) automatically.
func (c *Client) Fetch(ctx context.Context, watermarks map[uuid.UUID]crdt.Timestamp) (*crdt.Batch, error) {
	batch, err := c.fetchOnce(ctx, watermarks)
	if errors.Is(err, ErrNotPaired) {
		if pairErr := c.Pair(ctx); pairErr != nil {
			return nil, pairErr
		}
		return c.fetchOnce(ctx, watermarks)
	}
	return batch, err
}

func (c *Client) fetchOnce(ctx context.Context, watermarks map[uuid.UUID]crdt.Timestamp) (*crdt.Batch, error) {
	c.mu.Lock()
	token := c.token
	peerReplicaID := c.peerReplicaID
	c.mu.Unlock()
	if token == "" || peerReplicaID == uuid.Nil {
		return nil, ErrNotPaired
	}

	query := url.Values{}
	query.Set("origin", peerReplicaID.String())
	query.Set("after", strconv.FormatInt(watermarks[peerReplicaID].Int64(), 10))

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/operations?"+query.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("transport: fetch request build failed: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("transport: fetch request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return nil, ErrNotPaired
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: fetch rejected with status %d", response.StatusCode)
	}

	var batch crdt.Batch
	if err := json.NewDecoder(response.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("transport: batch decode failed: %w", err)
	}
	return &batch, nil
}

// Notify nudges the peer that this replica has new operations.
func (c *Client) Notify(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return ErrNotPaired
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/notify", http.NoBody)
	if err != nil {
		return fmt.Errorf("transport: notify request build failed: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("transport: notify request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusAccepted {
		return fmt.Errorf("transport: notify rejected with status %d", response.StatusCode)
	}
	return nil
}
