package keabot

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const testAPISecret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"

// newTestKeabot returns a Keabot with an API and an open store, but no
// discord session. It doesn't replace any global loggers.
func newTestKeabot(t testing.TB, cfg *Config) *Keabot {
	t.Helper()
	if cfg == nil {
		cfg = DefaultTestConfig(t)
	}
	cfg.API.Enabled = true

	k := &Keabot{
		config:        cfg,
		logger:        testLogger(t),
		logWriter:     os.Stdout,
		metrics:       NewMetrics(),
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		startedAt:     time.Now(),
	}
	k.discord = newDiscord(cfg.Discord, k.logger, k.metrics)

	api, err := newAPI(k, cfg.API)
	require.NoError(t, err)
	k.api = api

	store, err := OpenStore(context.Background(), cfg, os.Stdout)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = store.Close()
		},
	)
	k.store = store
	return k
}

func apiRequest(t testing.TB, k *Keabot, method, path, secret string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	k.api.engine.ServeHTTP(w, req)
	return w
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	k := newTestKeabot(t, nil)
	k.discord.connected.Store(true)
	k.discord.metricConnects.Store(2)

	w := apiRequest(t, k, http.MethodGet, apiHealthCheck, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Ready)
	assert.True(t, resp.DiscordGatewayConnected)
	assert.Equal(t, int64(2), resp.DiscordConnects)
}

func TestAPI_NotReady(t *testing.T) {
	t.Parallel()
	k := newTestKeabot(t, nil)
	k.store = nil

	w := apiRequest(t, k, http.MethodGet, "/api/servers/s1/tags", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = apiRequest(t, k, http.MethodGet, apiHealthCheck, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
}

func TestAPI_Leaderboard(t *testing.T) {
	t.Parallel()
	k := newTestKeabot(t, nil)
	ctx := context.Background()

	for user, score := range map[string]int64{"a": 10, "b": 3, "c": 7} {
		require.NoError(t, k.Store().Ledger.SetCounters(ctx, "s1", user, score, 1, 0))
	}

	w := apiRequest(t, k, http.MethodGet, "/api/servers/s1/leaderboard?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp leaderboardResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.ServerID)
	assert.Equal(
		t,
		[]leaderboardEntry{
			{Rank: 1, UserID: "a", Score: 10, Given: 1},
			{Rank: 2, UserID: "c", Score: 7, Given: 1},
		},
		resp.Scores,
	)

	w = apiRequest(t, k, http.MethodGet, "/api/servers/empty/leaderboard", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Scores)
	assert.Empty(t, resp.Scores)

	for _, limit := range []string{"0", "26", "abc"} {
		w = apiRequest(t, k, http.MethodGet, "/api/servers/s1/leaderboard?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, limit)
	}
}

func TestAPI_UserScoreDoesNotCreateRows(t *testing.T) {
	t.Parallel()
	k := newTestKeabot(t, nil)
	ctx := context.Background()

	w := apiRequest(t, k, http.MethodGet, "/api/servers/s1/users/nobody/score", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var count int64
	require.NoError(t, k.Store().DB().Model(&UserScore{}).Count(&count).Error)
	assert.Zero(t, count)

	require.NoError(t, k.Store().Ledger.SetCounters(ctx, "s1", "u1", 5, 2, 1))
	w = apiRequest(t, k, http.MethodGet, "/api/servers/s1/users/u1/score", "")
	require.Equal(t, http.StatusOK, w.Code)

	var row UserScore
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &row))
	assert.Equal(t, "u1", row.UserID)
	assert.Equal(t, int64(5), row.Score)
	assert.Equal(t, int64(2), row.Given)
	assert.Equal(t, int64(1), row.Self)

	// the leaderboard doesn't create rows either
	_ = apiRequest(t, k, http.MethodGet, "/api/servers/s2/leaderboard", "")
	require.NoError(t, k.Store().DB().Model(&UserScore{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAPI_TagsAndRandomFile(t *testing.T) {
	t.Parallel()
	k := newTestKeabot(t, nil)
	ctx := context.Background()
	store := k.Store()

	w := apiRequest(t, k, http.MethodGet, "/api/servers/s1/tags", "")
	require.Equal(t, http.StatusOK, w.Code)
	var tags tagsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tags))
	assert.Equal(t, []string{}, tags.Tags)

	w = apiRequest(t, k, http.MethodGet, "/api/servers/s1/tags/cat/random", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	ref, err := store.Media.Put(pngData, "png")
	require.NoError(t, err)
	_, err = store.Tags.AddMedia(ctx, "s1", ref, []string{"cat"})
	require.NoError(t, err)

	w = apiRequest(t, k, http.MethodGet, "/api/servers/s1/tags", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tags))
	assert.Equal(t, []string{"cat"}, tags.Tags)

	w = apiRequest(t, k, http.MethodGet, "/api/servers/s1/tags/cat/random", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pngData, w.Body.Bytes())
	assert.Contains(t, w.Header().Get("Content-Disposition"), ref)

	// another server's tag of the same name is empty
	w = apiRequest(t, k, http.MethodGet, "/api/servers/s2/tags/cat/random", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Auth(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.API.Secret = testAPISecret
	k := newTestKeabot(t, cfg)

	path := "/api/servers/s1/tags"
	assert.Equal(t, http.StatusUnauthorized, apiRequest(t, k, http.MethodGet, path, "").Code)
	assert.Equal(t, http.StatusUnauthorized, apiRequest(t, k, http.MethodGet, path, "wrong").Code)
	assert.Equal(t, http.StatusOK, apiRequest(t, k, http.MethodGet, path, testAPISecret).Code)

	// health and metrics don't need the secret
	assert.Equal(t, http.StatusOK, apiRequest(t, k, http.MethodGet, apiHealthCheck, "").Code)
	assert.Equal(t, http.StatusOK, apiRequest(t, k, http.MethodGet, apiMetrics, "").Code)
}

func TestAPI_RateLimit(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.API.RequestsPerSecond = 1
	cfg.API.RequestBurst = 1
	k := newTestKeabot(t, cfg)

	path := "/api/servers/s1/tags"
	assert.Equal(t, http.StatusOK, apiRequest(t, k, http.MethodGet, path, "").Code)

	resultCodes := make(chan int, 5)
	wg := sync.WaitGroup{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resultCodes <- apiRequest(t, k, http.MethodGet, path, "").Code
		}()
	}
	wg.Wait()
	close(resultCodes)

	tooManyRequestsSeen := false
	var codesSeen []int
	for rc := range resultCodes {
		codesSeen = append(codesSeen, rc)
		if rc == http.StatusTooManyRequests {
			tooManyRequestsSeen = true
		}
	}
	assert.Truef(
		t,
		tooManyRequestsSeen,
		"expected to see %d, saw: %#v",
		http.StatusTooManyRequests,
		codesSeen,
	)

	// the health check isn't rate limited
	assert.Equal(t, http.StatusOK, apiRequest(t, k, http.MethodGet, apiHealthCheck, "").Code)
}

func TestAPI_Metrics(t *testing.T) {
	t.Parallel()
	k := newTestKeabot(t, nil)

	_ = apiRequest(t, k, http.MethodGet, "/api/servers/s1/tags", "")
	w := apiRequest(t, k, http.MethodGet, apiMetrics, "")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "keabot_api_requests_total")
	assert.Contains(
		t,
		body,
		fmt.Sprintf(
			`keabot_api_requests_total{method="GET",route="%s%s",status="200"} 1`,
			apiPrefix,
			apiPathTags,
		),
	)
}

func TestAPI_Serve(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	certFile := filepath.Join(cfg.DataDir, "cert.pem")
	keyFile := filepath.Join(cfg.DataDir, "key.pem")
	_, err := generateSelfSignedCert(certFile, keyFile)
	require.NoError(t, err)
	cfg.API.SSL.Cert = certFile
	cfg.API.SSL.Key = keyFile
	k := newTestKeabot(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, k.api.Listen(ctx))
	addr := k.api.listener.Addr().String()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- k.api.Serve(ctx)
	}()
	t.Cleanup(
		func() {
			_ = k.api.httpServer.Close()
		},
	)

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed test cert
		},
		Timeout:   5 * time.Second,
	}
	resp, err := client.Get("https://" + addr + apiHealthCheck)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"ready":true`))

	require.NoError(t, k.api.httpServer.Shutdown(context.Background()))
	assert.ErrorIs(t, <-serveErr, http.ErrServerClosed)
}
