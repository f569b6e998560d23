package tailhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/unijord/shardlog/pkg/replication"
)

// Client talks to a Server. It implements replication.LeaderClient.
type Client struct {
	baseURL string
	client  *http.Client
}

var _ replication.LeaderClient = (*Client)(nil)

// NewClient creates a client for endpoint. tcp:// endpoints are served
// over plain http.
func NewClient(endpoint string, timeout time.Duration) (*Client, error) {
	base, err := normalizeEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: base,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Dial is a replication.Dialer. The connection is verified by the
// applier's handshake, not here.
func Dial(ctx context.Context, endpoint string) (replication.LeaderClient, error) {
	c, err := NewClient(endpoint, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", replication.ErrConnection, err)
	}
	return c, nil
}

func normalizeEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("empty endpoint")
	}
	switch {
	case strings.HasPrefix(endpoint, "tcp://"):
		endpoint = "http://" + strings.TrimPrefix(endpoint, "tcp://")
	case strings.HasPrefix(endpoint, "ssl://"):
		endpoint = "https://" + strings.TrimPrefix(endpoint, "ssl://")
	case !strings.Contains(endpoint, "://"):
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}

// Handshake implements replication.Leader.
func (c *Client) Handshake(ctx context.Context) (replication.Handshake, error) {
	var hs replication.Handshake
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/wal/handshake")
	if err != nil {
		return hs, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return hs, fmt.Errorf("%w: decode handshake: %v", replication.ErrConnection, err)
	}
	return hs, nil
}

// Fetch implements replication.Leader.
func (c *Client) Fetch(ctx context.Context, consumerID string, from uint64, limit int) (replication.Batch, error) {
	q := url.Values{}
	q.Set("consumer", consumerID)
	q.Set("from", strconv.FormatUint(from, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/wal/tail?"+q.Encode())
	if err != nil {
		return replication.Batch{}, err
	}
	defer resp.Body.Close()

	lastTick, err := strconv.ParseUint(resp.Header.Get(headerLastTick), 10, 64)
	if err != nil {
		return replication.Batch{}, fmt.Errorf("invalid %s header: %w", headerLastTick, err)
	}
	ops, err := readFrames(resp.Body)
	if err != nil {
		return replication.Batch{}, fmt.Errorf("%w: %v", replication.ErrConnection, err)
	}
	return replication.Batch{Ops: ops, LastTick: lastTick}, nil
}

// Release implements replication.Leader.
func (c *Client) Release(ctx context.Context, consumerID string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.baseURL+"/wal/consumers/"+url.PathEscape(consumerID))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// do sends a request and maps failures: transport errors and 5xx are
// connection errors, 410 means the tick was purged.
func (c *Client) do(ctx context.Context, method, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", replication.ErrConnection, method, u, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	var body Response
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(b, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(b))
	}

	switch {
	case resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", replication.ErrTickNotAvailable, body.Error)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s failed: %d: %s", replication.ErrConnection, method, resp.StatusCode, body.Error)
	}
	return nil, fmt.Errorf("%s failed: %d: %s", method, resp.StatusCode, body.Error)
}
