package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregtusar/tokenset/pkg/auth"
	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapSendsTokenAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/baskets/index.factory/wrap", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		var req models.WrapRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Amount)
		assert.Equal(t, "340282366920938463463374607431768211455", req.Amount.String())

		_ = json.NewEncoder(w).Encode(models.WrapResponse{Basket: "index.factory", Minted: *req.Amount})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", auth.NewBearerAuthenticator("token"))
	amount := models.MaxAmount()
	minted, err := c.Wrap(context.Background(), "index.factory", &amount)
	require.NoError(t, err)
	assert.True(t, minted.Equal(amount))
}

func TestReadsAreAnonymous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "/api/provisioning/instances", r.URL.Path)
		_ = json.NewEncoder(w).Encode(models.InstancesResponse{Instances: []string{"a", "b"}})
	}))
	defer srv.Close()

	ids, err := New(srv.URL, auth.NewBearerAuthenticator("token")).Instances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "basket: insufficient share balance"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, auth.NewBearerAuthenticator("token")).Unwrap(context.Background(), "x", models.NewAmount(1))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "basket: insufficient share balance", apiErr.Message)
}

func TestMissingTokenFailsLocally(t *testing.T) {
	_, err := New("http://127.0.0.1:0", auth.NewBearerAuthenticator("")).ProvisioningDeposit(context.Background(), models.NewAmount(1))
	assert.ErrorIs(t, err, auth.ErrMissingToken)
}

func TestWaitForInstance(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/provisioning/accounts/alice", r.URL.Path)
		status := models.InstanceStatusPending
		if polls.Add(1) >= 3 {
			status = models.InstanceStatusConfirmed
		}
		_ = json.NewEncoder(w).Encode(models.ProvisioningAccount{
			Account:   "alice",
			Instances: []string{"a.alice.factory"},
			Status:    map[string]models.InstanceStatus{"a.alice.factory": status},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	status, err := c.WaitForInstance(context.Background(), "alice", "a.alice.factory", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusConfirmed, status)
	assert.EqualValues(t, 3, polls.Load())

	status, err = c.WaitForInstance(context.Background(), "alice", "gone.alice.factory", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompensated, status)
}
