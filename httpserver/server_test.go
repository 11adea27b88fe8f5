package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keymint/hsm-key-management-backend/api/ceremonyhandler"
	"github.com/keymint/hsm-key-management-backend/api/keyhandler"
	"github.com/keymint/hsm-key-management-backend/api/rotationhandler"
	"github.com/keymint/hsm-key-management-backend/ceremony"
	"github.com/keymint/hsm-key-management-backend/keytree"
	"github.com/keymint/hsm-key-management-backend/rotation"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := keytree.NewHierarchy(log)
	engine := ceremony.NewEngine(keys, nil, log)
	coordinator := rotation.NewCoordinator(keys, rotation.NewStaticResolver(), log)

	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      log,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	},
		ceremonyhandler.NewHandler(engine, log),
		rotationhandler.NewHandler(coordinator, log),
		keyhandler.NewHandler(keys, log),
	)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthAndDrain(t *testing.T) {
	ts := newTestServer(t)

	resp := getJSON(t, ts.URL+"/livez", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = getJSON(t, ts.URL+"/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = getJSON(t, ts.URL+"/drain", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = getJSON(t, ts.URL+"/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = getJSON(t, ts.URL+"/undrain", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = getJSON(t, ts.URL+"/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCeremonyOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	var created ceremonyhandler.CreateCeremonyResponse
	resp := postJSON(t, ts.URL+"/api/admin/ceremonies", map[string]any{
		"name":               "lmk-initialization",
		"key_type":           "LMK",
		"total_participants": 3,
		"threshold":          2,
		"custodians": []map[string]any{
			{"id": "C1", "name": "Alice", "email": "alice@bank.example", "active": true},
			{"id": "C2", "name": "Bob", "email": "bob@bank.example", "active": true},
			{"id": "C3", "name": "Carol", "email": "carol@bank.example", "active": true},
		},
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, created.Tokens, 3)

	// Bad threshold is a 400.
	resp = postJSON(t, ts.URL+"/api/admin/ceremonies", map[string]any{
		"name": "bad", "key_type": "LMK", "total_participants": 3, "threshold": 1,
		"custodians": []map[string]any{},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Token verification.
	resp = getJSON(t, ts.URL+"/api/custodian/tokens/"+created.Tokens[0], nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = getJSON(t, ts.URL+"/api/custodian/tokens/bogus", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Generation before quorum is a 409.
	generateURL := fmt.Sprintf("%s/api/admin/ceremonies/%s/generate", ts.URL, created.Ceremony.ID)
	resp = postJSON(t, generateURL, map[string]any{}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	for _, token := range created.Tokens[:2] {
		resp = postJSON(t, ts.URL+"/api/custodian/contributions", map[string]any{
			"token":      token,
			"passphrase": "correct horse battery staple",
		}, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	var generated ceremonyhandler.GenerateResponse
	resp = postJSON(t, generateURL, map[string]any{}, &generated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, generated.Shares, 3)
	assert.NotEmpty(t, generated.Fingerprint)

	var status ceremony.StatusSnapshot
	resp = getJSON(t, fmt.Sprintf("%s/api/admin/ceremonies/%s", ts.URL, created.Ceremony.ID), &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, generated.KeyID, status.KeyID)
}

func TestRotationOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	// Build a TMK -> TPK chain through the key API.
	var tmk keyhandler.KeyInfo
	resp := postJSON(t, ts.URL+"/api/admin/keys/roots", map[string]any{"key_type": "TMK"}, &tmk)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var tpk keyhandler.KeyInfo
	resp = postJSON(t, fmt.Sprintf("%s/api/admin/keys/%s/derive", ts.URL, tmk.ID), map[string]any{
		"key_type": "TPK",
		"owner_id": "TRM-001",
	}, &tpk)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, tmk.ID, tpk.ParentID)

	var initiated rotation.StatusSnapshot
	resp = postJSON(t, ts.URL+"/api/admin/rotations", map[string]any{
		"key_id": tpk.ID,
		"type":   "Scheduled",
		"reason": "routine",
	}, &initiated)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, initiated.Participants, 1)

	// Participant discovers its rotation, requests the update, confirms.
	var found rotation.StatusSnapshot
	resp = getJSON(t, ts.URL+"/api/participants/TRM-001/rotation", &found)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, initiated.ID, found.ID)

	var pkg rotation.DeliveryPackage
	updateURL := fmt.Sprintf("%s/api/rotations/%s/participants/TRM-001/update", ts.URL, initiated.ID)
	resp = postJSON(t, updateURL, map[string]any{"current_checksum": tpk.Checksum}, &pkg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, pkg.Payload)

	// Wrong checksum is a 422.
	resp = postJSON(t, updateURL, map[string]any{"current_checksum": "ffffff"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var confirmed rotation.StatusSnapshot
	confirmURL := fmt.Sprintf("%s/api/rotations/%s/participants/TRM-001/confirm", ts.URL, initiated.ID)
	resp = postJSON(t, confirmURL, map[string]any{}, &confirmed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Completed", string(confirmed.Status))

	var rotated keyhandler.KeyInfo
	resp = getJSON(t, fmt.Sprintf("%s/api/admin/keys/%s", ts.URL, tpk.ID), &rotated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Rotated", string(rotated.Status))

	// Rollback after completion is a 409.
	resp = postJSON(t, fmt.Sprintf("%s/api/admin/rotations/%s/rollback", ts.URL, initiated.ID),
		map[string]any{"reason": "too late"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
