package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/meteoradja-ytmjk/ozanglive/internal/store/memory"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

type fakeAPI struct {
	mu          sync.Mutex
	tokenHits   int
	auth        []string
	broadcasts  []map[string]any
	streams     []map[string]any
	videos      []map[string]any
	statusError int
	updates     []map[string]any
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenHits++
		f.mu.Unlock()
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("refresh_token") == "revoked" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-` + r.Form.Get("refresh_token") + `","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/youtube/v3/liveStreams", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.reply(w, f.streams)
	})
	mux.HandleFunc("/youtube/v3/liveBroadcasts", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		code := f.statusError
		f.mu.Unlock()
		if code != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"code":403,"message":"quota","errors":[{"domain":"youtube.quota","reason":"quotaExceeded","message":"quota"}]}}`))
			return
		}
		items := f.broadcasts
		if id := r.URL.Query().Get("id"); id != "" {
			items = filterID(items, id)
		}
		f.reply(w, items)
	})
	mux.HandleFunc("/youtube/v3/videos", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.Method == http.MethodPut {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.updates = append(f.updates, body)
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(body)
			return
		}
		f.reply(w, filterID(f.videos, r.URL.Query().Get("id")))
	})
	return mux
}

func (f *fakeAPI) record(r *http.Request) {
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()
}

func (f *fakeAPI) reply(w http.ResponseWriter, items []map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
}

func (f *fakeAPI) hits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenHits
}

func (f *fakeAPI) sent() (auth []string, updates []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.auth...), append([]map[string]any(nil), f.updates...)
}

func filterID(items []map[string]any, id string) []map[string]any {
	out := []map[string]any{}
	for _, it := range items {
		if it["id"] == id {
			out = append(out, it)
		}
	}
	return out
}

func setup(t *testing.T) (*Client, *fakeAPI, *memory.Store) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	creds := memory.New(nil)
	c, err := New(Config{
		ClientID:     "app-id",
		ClientSecret: "app-secret",
		TokenURL:     srv.URL + "/token",
		Endpoint:     srv.URL + "/",
		RatePerSec:   100,
		Burst:        10,
	}, creds)
	require.NoError(t, err)
	return c, api, creds
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestResolveCredential(t *testing.T) {
	c, _, creds := setup(t)
	ctx := context.Background()
	require.NoError(t, creds.SaveCredential(ctx, stream.Credential{UserID: "u1", RefreshToken: "rt-1"}))

	cred, err := c.ResolveCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "app-id", cred.ClientID)
	assert.Equal(t, "app-secret", cred.ClientSecret)

	_, err = c.ResolveCredential(ctx, "nobody")
	assert.ErrorIs(t, err, stream.ErrCredentialMissing)
	assert.Equal(t, stream.PermanentAuth, stream.Classify(err))

	require.NoError(t, creds.SaveCredential(ctx, stream.Credential{UserID: "u2"}))
	_, err = c.ResolveCredential(ctx, "u2")
	assert.ErrorIs(t, err, stream.ErrPermanentAuth)
}

func TestAccessTokenIsCached(t *testing.T) {
	c, api, _ := setup(t)
	ctx := context.Background()
	cred := stream.Credential{UserID: "u1", ClientID: "app-id", RefreshToken: "rt-1"}

	tok, err := c.AccessToken(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, "at-rt-1", tok)

	tok, err = c.AccessToken(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, "at-rt-1", tok)
	assert.Equal(t, 1, api.hits())

	c.Forget("u1")
	_, err = c.AccessToken(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, 2, api.hits())
}

func TestAccessTokenRevoked(t *testing.T) {
	c, _, _ := setup(t)
	_, err := c.AccessToken(context.Background(), stream.Credential{UserID: "u1", ClientID: "app-id", RefreshToken: "revoked"})
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrPermanentAuth)
}

func TestFindBroadcastByKey(t *testing.T) {
	c, api, _ := setup(t)
	api.streams = []map[string]any{
		{"id": "ls-other", "cdn": map[string]any{"ingestionInfo": map[string]any{"streamName": "other-key"}}},
		{"id": "ls-1", "cdn": map[string]any{"ingestionInfo": map[string]any{"streamName": "key-1"}}},
	}
	api.broadcasts = []map[string]any{
		{"id": "b-old", "contentDetails": map[string]any{"boundStreamId": "ls-1"}, "status": map[string]any{"lifeCycleStatus": "complete"}},
		{"id": "b-live", "contentDetails": map[string]any{"boundStreamId": "ls-1"}, "status": map[string]any{"lifeCycleStatus": "live"}},
		{"id": "b-x", "contentDetails": map[string]any{"boundStreamId": "ls-other"}, "status": map[string]any{"lifeCycleStatus": "live"}},
	}

	id, err := c.FindBroadcastByKey(context.Background(), "at-1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "b-live", id)
	auth, _ := api.sent()
	assert.Contains(t, auth, "Bearer at-1")

	_, err = c.FindBroadcastByKey(context.Background(), "at-1", "missing")
	assert.ErrorIs(t, err, stream.ErrBroadcastNotFound)
}

func TestBroadcastStatus(t *testing.T) {
	c, api, _ := setup(t)
	ctx := context.Background()
	api.broadcasts = []map[string]any{
		{"id": "b1", "status": map[string]any{"lifeCycleStatus": "complete"}},
	}

	st, err := c.BroadcastStatus(ctx, "at-1", "b1")
	require.NoError(t, err)
	assert.Equal(t, stream.BroadcastStatus{Exists: true, LifeCycleStatus: "complete"}, st)
	assert.True(t, stream.Terminal(st.LifeCycleStatus))

	st, err = c.BroadcastStatus(ctx, "at-1", "gone")
	require.NoError(t, err)
	assert.False(t, st.Exists)

	api.mu.Lock()
	api.statusError = http.StatusForbidden
	api.mu.Unlock()
	_, err = c.BroadcastStatus(ctx, "at-1", "b1")
	assert.ErrorIs(t, err, stream.ErrQuotaExceeded)
}

func TestSetVisibility(t *testing.T) {
	c, api, _ := setup(t)
	ctx := context.Background()
	api.videos = []map[string]any{
		{"id": "b1", "status": map[string]any{"privacyStatus": "public"}},
		{"id": "b2", "status": map[string]any{"privacyStatus": "private"}},
	}

	res, err := c.SetVisibility(ctx, "at-1", "b1", "private", 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	_, updates := api.sent()
	require.Len(t, updates, 1)
	assert.Equal(t, "private", updates[0]["status"].(map[string]any)["privacyStatus"])

	res, err = c.SetVisibility(ctx, "at-1", "b2", "private", 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	_, updates = api.sent()
	assert.Len(t, updates, 1, "already private")

	res, err = c.SetVisibility(ctx, "at-1", "b3", "private", 1)
	require.NoError(t, err)
	assert.True(t, res.NeedsRetry)
}

func TestMapErrorReasons(t *testing.T) {
	cases := []struct {
		reason string
		code   int
		quota  bool
	}{
		{"quotaExceeded", http.StatusForbidden, true},
		{"dailyLimitExceeded", http.StatusForbidden, true},
		{"rateLimitExceeded", http.StatusForbidden, false},
		{"userRateLimitExceeded", http.StatusForbidden, false},
		{"backendError", http.StatusInternalServerError, false},
	}
	for _, c := range cases {
		t.Run(c.reason, func(t *testing.T) {
			src := &googleapi.Error{Code: c.code, Errors: []googleapi.ErrorItem{{Reason: c.reason}}}
			err := mapError("list broadcasts", src)
			if c.quota {
				assert.ErrorIs(t, err, stream.ErrQuotaExceeded)
				return
			}
			assert.NotErrorIs(t, err, stream.ErrQuotaExceeded)
			var gerr *googleapi.Error
			assert.True(t, errors.As(err, &gerr), "transient errors keep the api error")
		})
	}
	assert.ErrorIs(t, mapError("get video", &googleapi.Error{Code: http.StatusNotFound}), stream.ErrBroadcastNotFound)
}
