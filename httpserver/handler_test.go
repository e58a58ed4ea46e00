package httpserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfall/keyfall/config"
	"github.com/keyfall/keyfall/envelope"
	"github.com/keyfall/keyfall/interfaces"
	"github.com/keyfall/keyfall/ledger"
	"github.com/keyfall/keyfall/scheduler"
	"github.com/keyfall/keyfall/storage"
)

type nullNotifier struct{}

func (nullNotifier) NotifyReminder(context.Context, *interfaces.Secret, interfaces.ReminderKind, time.Time) error {
	return nil
}

func (nullNotifier) NotifyDisclosure(context.Context, *interfaces.Secret, interfaces.Recipient, string) error {
	return nil
}

type apiFixture struct {
	store  *storage.MemoryStore
	router http.Handler
	now    time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	key := make([]byte, envelope.KeySize)
	_, err := io.ReadFull(rand.Reader, key)
	require.NoError(t, err)

	policy, err := scheduler.PolicyFromRules([]config.ReminderRule{
		{Kind: "24h", Style: "absolute", Before: 24 * time.Hour},
	})
	require.NoError(t, err)

	f := &apiFixture{
		store: storage.NewMemoryStore(),
		now:   time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC),
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := envelope.StaticKey(key)
	processor := scheduler.NewProcessor(f.store, ledger.NewMemoryLedger(ledger.DefaultStaleTimeout), nullNotifier{}, keys, policy, log).
		WithNow(func() time.Time { return f.now })
	handler := NewHandler(f.store, processor, keys, log).
		WithNow(func() time.Time { return f.now })

	srv := &Server{cfg: &HTTPServerConfig{Log: log}, log: log, handler: handler}
	srv.isReady.Store(true)
	f.router = srv.getRouter()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createSecret(t *testing.T) secretView {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/secrets", map[string]any{
		"owner_id":             "owner-1",
		"title":                "safe combination",
		"threshold_k":          2,
		"total_shares_n":       3,
		"share_hex":            hex.EncodeToString([]byte("the-server-share")),
		"check_in_period_days": 30,
		"recipients": []map[string]string{
			{"name": "alice", "email": "alice@example.com"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var view secretView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func TestCreateSecret(t *testing.T) {
	f := newAPIFixture(t)
	view := f.createSecret(t)

	assert.NotEmpty(t, view.ID)
	assert.Equal(t, interfaces.StatusActive, view.Status)
	assert.True(t, view.Armed)
	assert.Equal(t, f.now, view.LastCheckIn)
	assert.Equal(t, f.now.Add(30*24*time.Hour), view.NextCheckIn)

	// The response body must not leak any share material.
	body := f.do(t, http.MethodGet, "/api/secrets/"+view.ID.String(), nil).Body.String()
	assert.NotContains(t, body, "share_hex")
	assert.NotContains(t, body, "ciphertext")
	assert.NotContains(t, body, "auth_tag")
	assert.NotContains(t, body, hex.EncodeToString([]byte("the-server-share")))

	// The persisted record holds the sealed share, not the plaintext.
	stored, err := f.store.Get(context.Background(), view.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ServerShare)
	assert.NotContains(t, string(stored.ServerShare.Ciphertext), "the-server-share")
}

func TestCreateSecretValidation(t *testing.T) {
	f := newAPIFixture(t)

	base := func() map[string]any {
		return map[string]any{
			"owner_id":             "owner-1",
			"threshold_k":          2,
			"total_shares_n":       3,
			"share_hex":            "aabb",
			"check_in_period_days": 30,
			"recipients":           []map[string]string{{"name": "a", "email": "a@example.com"}},
		}
	}

	for name, mutate := range map[string]func(map[string]any){
		"bad share hex":         func(m map[string]any) { m["share_hex"] = "zz" },
		"empty share":           func(m map[string]any) { m["share_hex"] = "" },
		"threshold too low":     func(m map[string]any) { m["threshold_k"] = 1 },
		"threshold over total":  func(m map[string]any) { m["threshold_k"] = 4 },
		"zero period":           func(m map[string]any) { m["check_in_period_days"] = 0 },
		"no recipients":         func(m map[string]any) { m["recipients"] = []map[string]string{} },
		"unreachable recipient": func(m map[string]any) { m["recipients"] = []map[string]string{{"name": "x"}} },
	} {
		t.Run(name, func(t *testing.T) {
			body := base()
			mutate(body)
			rec := f.do(t, http.MethodPost, "/api/secrets", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestGetSecretNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/secrets/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckInMovesDeadline(t *testing.T) {
	f := newAPIFixture(t)
	view := f.createSecret(t)

	f.now = f.now.Add(10 * 24 * time.Hour)
	rec := f.do(t, http.MethodPost, "/api/secrets/"+view.ID.String()+"/checkin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated secretView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, f.now, updated.LastCheckIn)
	assert.Equal(t, f.now.Add(30*24*time.Hour), updated.NextCheckIn)
}

func TestPauseAndResume(t *testing.T) {
	f := newAPIFixture(t)
	view := f.createSecret(t)

	rec := f.do(t, http.MethodPost, "/api/secrets/"+view.ID.String()+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var paused secretView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paused))
	assert.Equal(t, interfaces.StatusPaused, paused.Status)

	// A paused switch rejects check-ins.
	rec = f.do(t, http.MethodPost, "/api/secrets/"+view.ID.String()+"/checkin", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Resume restarts the deadline clock from now, not from the old
	// deadline.
	f.now = f.now.Add(45 * 24 * time.Hour)
	rec = f.do(t, http.MethodPost, "/api/secrets/"+view.ID.String()+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resumed secretView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumed))
	assert.Equal(t, interfaces.StatusActive, resumed.Status)
	assert.Equal(t, f.now, resumed.LastCheckIn)
	assert.Equal(t, f.now.Add(30*24*time.Hour), resumed.NextCheckIn)
}

func TestDisarmDiscardsShare(t *testing.T) {
	f := newAPIFixture(t)
	view := f.createSecret(t)

	rec := f.do(t, http.MethodPost, "/api/secrets/"+view.ID.String()+"/disarm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var disarmed secretView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &disarmed))
	assert.False(t, disarmed.Armed)
	assert.Equal(t, interfaces.StatusPaused, disarmed.Status)

	stored, err := f.store.Get(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ServerShare, "the sealed share is gone for good")
}

func TestTriggeredIsTerminal(t *testing.T) {
	f := newAPIFixture(t)
	view := f.createSecret(t)

	stored, err := f.store.Get(context.Background(), view.ID)
	require.NoError(t, err)
	stored.Status = interfaces.StatusTriggered
	triggeredAt := f.now
	stored.TriggeredAt = &triggeredAt
	require.NoError(t, f.store.Update(context.Background(), stored))

	for _, action := range []string{"checkin", "pause", "resume", "disarm"} {
		rec := f.do(t, http.MethodPost, "/api/secrets/"+view.ID.String()+"/"+action, nil)
		assert.Equal(t, http.StatusConflict, rec.Code, "action %q on a triggered switch", action)
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/livez", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", nil).Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/drain", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", nil).Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/undrain", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", nil).Code)
}
