package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/prevsim/internal/engine"
	"github.com/vesaa/prevsim/internal/models"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer good" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/api/sim", auth(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SimState{Month: 4, Date: "2026-05-01"})
	}))
	mux.HandleFunc("/api/sim/evolve", auth(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Steps int `json:"steps"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Steps > engine.MaxSteps {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": engine.ErrSteps.Error()})
			return
		}
		res := EvolveResult{Month: body.Steps, Date: "2026-02-01"}
		for i := 1; i <= body.Steps; i++ {
			res.Steps = append(res.Steps, engine.StepLog{Month: i, Events: []string{"tick"}})
		}
		_ = json.NewEncoder(w).Encode(res)
	}))
	mux.HandleFunc("/api/requests", auth(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"requests": []models.Request{{Type: models.RequestWithdrawal, Status: models.StatusPending}},
		})
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	srv := fakeServer(t)
	c := New(srv.URL, "good")
	ctx := context.Background()

	sim, err := c.Sim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sim.Month)
	assert.Equal(t, "2026-05-01", sim.Date)

	res, err := c.Evolve(ctx, 2)
	require.NoError(t, err)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, 2, res.Steps[1].Month)

	_, err = c.Evolve(ctx, 500)
	require.Error(t, err)
	assert.Contains(t, err.Error(), engine.ErrSteps.Error())

	rs, err := c.Requests(ctx, models.StatusPending)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, models.RequestWithdrawal, rs[0].Type)
}

func TestClientBadToken(t *testing.T) {
	srv := fakeServer(t)
	_, err := New(srv.URL, "bad").Sim(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestNewAddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:1616", New("127.0.0.1:1616", "x").Base)
	assert.Equal(t, "https://sim.example", New("https://sim.example/", "x").Base)
}
