package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdoc/driftdoc/internal/auth"
	"github.com/driftdoc/driftdoc/internal/engine"
)

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 0, parseLimit("", 0, 1000))
	assert.Equal(t, 25, parseLimit("", 25, 1000))
	assert.Equal(t, 10, parseLimit("10", 0, 1000))
	assert.Equal(t, 1000, parseLimit("99999", 0, 1000))
	assert.Equal(t, 25, parseLimit("garbage", 25, 1000))
	assert.Equal(t, 25, parseLimit("-3", 25, 1000))
}

func TestResolvePath(t *testing.T) {
	p, err := resolvePath("", "notes", "")
	require.NoError(t, err)
	assert.Equal(t, "notes", p.String())

	p, err = resolvePath("", "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, "notes/n1", p.String())

	p, err = resolvePath("users/u1", "posts", "p1")
	require.NoError(t, err)
	assert.Equal(t, "users/u1/posts/p1", p.String())

	_, err = resolvePath("users//bad", "posts", "p1")
	assert.Error(t, err)
}

func TestWriteEngineErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&engine.VersionConflictError{Path: "notes/n1", Expected: 1, Actual: 2}, http.StatusConflict},
		{&engine.PermissionDeniedError{Path: "notes/n1", Operation: "write"}, http.StatusForbidden},
		{engine.ErrNotFound, http.StatusNotFound},
		{&engine.MalformedRequestError{Reason: "bad path"}, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		writeEngineError(rec, req, tc.err)
		assert.Equal(t, tc.code, rec.Code, "error %v", tc.err)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body, "error")
	}
}

func TestIssueTokenEndpoint(t *testing.T) {
	s := &Server{Issuer: auth.NewIssuer("test-secret")}
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"userId": "u1"})
	resp, err := http.Post(srv.URL+"/documents/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["token"])

	sub, err := auth.NewIssuer("test-secret").Verify(out["token"])
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)
}

func TestIssueTokenRequiresUserID(t *testing.T) {
	s := &Server{Issuer: auth.NewIssuer("test-secret")}
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/documents/auth/token", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryRequiresCollection(t *testing.T) {
	s := &Server{}
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/documents/query?workspaceId=ws&userId=u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out["error"], "collection")
}

func TestResetRequiresAdminKey(t *testing.T) {
	s := &Server{AdminKey: "secret-key"}
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	// No key at all.
	resp, err := http.Post(srv.URL+"/documents/internal/reset", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Wrong key.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/documents/internal/reset", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestResetDisabledWithoutConfiguredKey(t *testing.T) {
	s := &Server{}
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/documents/internal/reset", nil)
	req.Header.Set("X-Admin-Key", "")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	s := &Server{}
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
