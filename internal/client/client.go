// Package client talks to a running PrevSim admin API.
// Every outbound HTTP request carries: Authorization: Bearer <token>
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vesaa/prevsim/internal/engine"
	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/store"
)

// ErrUnauthorized is returned when the server rejects the admin token.
var ErrUnauthorized = errors.New("server rejected token (401), check --token or client_token in config")

// Client is an admin API client.
type Client struct {
	Base  string // e.g. "http://127.0.0.1:1616"
	Token string
	HTTP  *http.Client
}

// New returns a client for addr ("host:port" or a full URL).
func New(addr, token string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		Base:  strings.TrimRight(base, "/"),
		Token: token,
		HTTP:  &http.Client{Timeout: 60 * time.Second},
	}
}

// SimState is the simulation clock and dashboard counts.
type SimState struct {
	Month  int          `json:"month"`
	Date   string       `json:"date"`
	Counts store.Counts `json:"counts"`
}

// EvolveResult is the reply to an evolve call.
type EvolveResult struct {
	Steps []engine.StepLog `json:"steps"`
	Month int              `json:"month"`
	Date  string           `json:"date"`
}

// Sim fetches the current simulation state.
func (c *Client) Sim(ctx context.Context) (*SimState, error) {
	var out SimState
	if err := c.do(ctx, http.MethodGet, "/api/sim", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Evolve asks the server to advance steps months.
func (c *Client) Evolve(ctx context.Context, steps int) (*EvolveResult, error) {
	var out EvolveResult
	if err := c.do(ctx, http.MethodPost, "/api/sim/evolve", map[string]int{"steps": steps}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Requests lists requests, optionally filtered by status.
func (c *Client) Requests(ctx context.Context, status models.RequestStatus) ([]models.Request, error) {
	path := "/api/requests"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out struct {
		Requests []models.Request `json:"requests"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// do sends v as JSON with the Bearer token and decodes the reply into out.
func (c *Client) do(ctx context.Context, method, path string, v, out any) error {
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if v != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
