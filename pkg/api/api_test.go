package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencourier/relay/pkg/crypto"
	"github.com/opencourier/relay/pkg/policy"
	"github.com/opencourier/relay/pkg/protocol"
	"github.com/opencourier/relay/pkg/relay"
	"github.com/opencourier/relay/pkg/store"
)

var (
	testServerOnce sync.Once
	testServerErr  error
	testAPI        *Server
	testRelay      *relay.Server
)

func apiServer(t *testing.T) *Server {
	t.Helper()
	testServerOnce.Do(func() {
		priv, err := crypto.GenerateKeyPair()
		if err != nil {
			testServerErr = err
			return
		}
		keys, err := crypto.NewLocalKeyStore(priv)
		if err != nil {
			testServerErr = err
			return
		}

		policies := policy.NewStore(keys.Identity(), policy.Policy{
			Name:                       "default",
			ConnectionAllowed:          true,
			MaxMessageBytes:            1 << 20,
			MaxStoredBytesPerRecipient: 10 << 20,
		})

		testRelay, err = relay.NewServer(relay.ServerConfig{
			Keys:     keys,
			Policies: policies,
			Store:    store.NewMemoryStore(),
		})
		if err != nil {
			testServerErr = err
			return
		}

		testAPI = NewServer(testRelay, DefaultConfig())
	})

	if testServerErr != nil {
		t.Fatalf("test server setup failed: %v", testServerErr)
	}
	return testAPI
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := apiServer(t)

	w := doJSON(t, s, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, testRelay.Identity().String(), resp.Identity)
}

func TestConnectionsEndpoint(t *testing.T) {
	s := apiServer(t)

	w := doJSON(t, s, "GET", "/api/v1/relay/connections", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestStatsEndpoint(t *testing.T) {
	s := apiServer(t)

	w := doJSON(t, s, "GET", "/api/v1/relay/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Zero(t, resp.StoredMessages)
}

func TestPolicyCRUD(t *testing.T) {
	s := apiServer(t)

	p := policy.Policy{
		Name:              "apitest",
		ConnectionAllowed: true,
		MaxMessageBytes:   4096,
	}

	t.Run("Create", func(t *testing.T) {
		w := doJSON(t, s, "PUT", "/api/v1/policies", p)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Get", func(t *testing.T) {
		w := doJSON(t, s, "GET", "/api/v1/policies/apitest", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Success bool          `json:"success"`
			Data    policy.Policy `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int64(4096), resp.Data.MaxMessageBytes)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		w := doJSON(t, s, "GET", "/api/v1/policies/missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("CreateUnnamed", func(t *testing.T) {
		w := doJSON(t, s, "PUT", "/api/v1/policies", policy.Policy{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("AssignToUser", func(t *testing.T) {
		user := protocol.Id{0x42}
		w := doJSON(t, s, "PUT", "/api/v1/users/"+user.String()+"/policy", UserPolicyRequest{Policy: "apitest"})
		assert.Equal(t, http.StatusOK, w.Code)

		w = doJSON(t, s, "GET", "/api/v1/users/"+user.String()+"/policy", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Data policy.Policy `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "apitest", resp.Data.Name)
	})

	t.Run("DeleteAssignedRejected", func(t *testing.T) {
		w := doJSON(t, s, "DELETE", "/api/v1/policies/apitest", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("BadUserId", func(t *testing.T) {
		w := doJSON(t, s, "GET", "/api/v1/users/nothex/policy", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
