package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/document-delivery/internal/api"
	"github.com/example/document-delivery/internal/cache"
	"github.com/example/document-delivery/internal/failure"
	"github.com/example/document-delivery/internal/metrics"
	"github.com/example/document-delivery/internal/models"
	"github.com/example/document-delivery/internal/render"
	"github.com/example/document-delivery/internal/scheduler"
	"github.com/example/document-delivery/internal/store"
	"github.com/example/document-delivery/internal/token"
)

type fakeDocuments struct {
	artifacts   map[string]render.Artifact
	delivered   []string
	result      models.DeliveryResult
	invalidated []string
}

func (f *fakeDocuments) Artifact(_ context.Context, ref string) (render.Artifact, error) {
	art, ok := f.artifacts[ref]
	if !ok {
		return render.Artifact{}, store.ErrNotFound
	}
	return art, nil
}

func (f *fakeDocuments) DeliverReference(_ context.Context, ref string) (models.DeliveryResult, error) {
	if _, ok := f.artifacts[ref]; !ok {
		return models.DeliveryResult{}, store.ErrNotFound
	}
	f.delivered = append(f.delivered, ref)
	res := f.result
	res.Reference = ref
	return res, nil
}

func (f *fakeDocuments) Invalidate(ref string) int {
	f.invalidated = append(f.invalidated, ref)
	return 1
}

type fakeScheduler struct{}

func (fakeScheduler) Status() scheduler.Status {
	return scheduler.Status{QueueLength: 2, ActiveCount: 1}
}

type fakeCache struct{}

func (fakeCache) Stats() cache.Stats { return cache.Stats{Entries: 3, Hits: 9} }

const adminToken = "s3cret-admin"

type testServer struct {
	handler http.Handler
	docs    *fakeDocuments
	issuer  *token.Issuer
}

func newTestServer(t *testing.T, mutate func(*api.Config)) *testServer {
	t.Helper()
	issuer, err := token.NewIssuer(token.Config{
		Secret:         []byte(strings.Repeat("s", 32)),
		BaseURL:        "https://docs.example.com",
		RateLimitBurst: 100,
	}, zerolog.Nop())
	require.NoError(t, err)

	docs := &fakeDocuments{
		artifacts: map[string]render.Artifact{
			"PAY-1": {ContentType: "text/html; charset=utf-8", FileName: "ticket-PAY-1.html", Body: []byte("<html>PAY-1</html>")},
		},
		result: models.DeliveryResult{Success: true, PrimaryChannelUsed: true},
	}
	cfg := api.Config{AdminToken: adminToken, DownloadsPerMin: 2}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := api.NewServer(cfg, api.Dependencies{
		Documents: docs,
		Tokens:    issuer,
		Scheduler: fakeScheduler{},
		Cache:     fakeCache{},
		Checks:    map[string]func() bool{"kafka": func() bool { return true }},
		Metrics:   metrics.New(),
	})
	require.NoError(t, err)
	return &testServer{handler: srv.Handler(), docs: docs, issuer: issuer}
}

func (ts *testServer) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	return body
}

func TestSecureDownloadServesArtifact(t *testing.T) {
	ts := newTestServer(t, nil)
	grant, err := ts.issuer.Issue("PAY-1", "ada@example.com", token.Options{MaxDownloads: 1})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/secure-download?token="+url.QueryEscape(grant.Token), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>PAY-1</html>", rec.Body.String())
	assert.Equal(t, "0", rec.Header().Get("X-Downloads-Remaining"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "ticket-PAY-1.html")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = ts.do(t, http.MethodGet, "/secure-download?token="+url.QueryEscape(grant.Token), "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, token.CodeDownloadLimit, decodeError(t, rec)["code"])
}

func TestSecureDownloadRejectsBadTokens(t *testing.T) {
	ts := newTestServer(t, nil)
	expired, err := ts.issuer.Issue("PAY-1", "", token.Options{ExpiresIn: -time.Minute})
	require.NoError(t, err)

	cases := map[string]string{
		"garbage":     token.CodeInvalid,
		"":            token.CodeInvalid,
		expired.Token: token.CodeExpired,
	}
	for tok, want := range cases {
		rec := ts.do(t, http.MethodGet, "/secure-download?token="+url.QueryEscape(tok), "", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, want, decodeError(t, rec)["code"])
	}
}

func TestSecureDownloadUnknownReference(t *testing.T) {
	ts := newTestServer(t, nil)
	grant, err := ts.issuer.Issue("PAY-404", "", token.Options{MaxDownloads: 1})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/secure-download?token="+url.QueryEscape(grant.Token), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, api.CodeNotFound, decodeError(t, rec)["code"])
	assert.Equal(t, 0, ts.issuer.DownloadsUsed("PAY-404"), "a failed lookup must not consume a download")

	ts.docs.artifacts["PAY-404"] = render.Artifact{ContentType: "text/html", Body: []byte("late")}
	rec = ts.do(t, http.MethodGet, "/secure-download?token="+url.QueryEscape(grant.Token), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-Downloads-Remaining"))
	assert.Equal(t, 1, ts.issuer.DownloadsUsed("PAY-404"))
}

func TestDownloadByReferenceIsOptIn(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/download?ref=PAY-1", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, api.CodeAccessDenied, decodeError(t, rec)["code"])
}

func TestPublicDownloadIsRateLimitedPerIP(t *testing.T) {
	ts := newTestServer(t, func(c *api.Config) { c.PublicDownload = true })

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodGet, "/download?ref=PAY-1", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := ts.do(t, http.MethodGet, "/download?ref=PAY-1", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, api.CodeRateLimited, decodeError(t, rec)["code"])

	rec = ts.do(t, http.MethodGet, "/download?ref=PAY-9", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "limit applies before lookup")
}

func TestPublicDownloadNotFound(t *testing.T) {
	ts := newTestServer(t, func(c *api.Config) { c.PublicDownload = true })
	rec := ts.do(t, http.MethodGet, "/download?ref=PAY-9", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/download", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueTokenRequiresAdmin(t *testing.T) {
	ts := newTestServer(t, nil)
	body := `{"reference":"PAY-1","email":"ada@example.com","max_downloads":3}`

	rec := ts.do(t, http.MethodPost, "/tokens", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/tokens", body, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/tokens", body, map[string]string{"Authorization": "Bearer " + adminToken})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.URL, "https://docs.example.com/secure-download?token="))

	res := ts.issuer.Validate(resp.Token, token.RequestContext{IP: "192.0.2.1"})
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.RemainingDownloads)
}

func TestIssueTokenValidatesBody(t *testing.T) {
	ts := newTestServer(t, nil)
	auth := map[string]string{"Authorization": "Bearer " + adminToken}

	rec := ts.do(t, http.MethodPost, "/tokens", `{"email":"x@example.com"}`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/tokens", `{"reference":"PAY-1","max_downloads":-1}`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	ts := newTestServer(t, func(c *api.Config) { c.AdminToken = "" })
	rec := ts.do(t, http.MethodPost, "/deliveries/PAY-1", "", map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRevokeTokenInvalidatesCache(t *testing.T) {
	ts := newTestServer(t, nil)
	grant, err := ts.issuer.Issue("PAY-1", "", token.Options{})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodDelete, "/tokens/PAY-1", "", map[string]string{"Authorization": "Bearer " + adminToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"PAY-1"}, ts.docs.invalidated)

	rec = ts.do(t, http.MethodGet, "/secure-download?token="+url.QueryEscape(grant.Token), "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, token.CodeRevoked, decodeError(t, rec)["code"])
}

func TestDeliverReference(t *testing.T) {
	ts := newTestServer(t, nil)
	auth := map[string]string{"Authorization": "Bearer " + adminToken}

	rec := ts.do(t, http.MethodPost, "/deliveries/PAY-1", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.DeliveryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, []string{"PAY-1"}, ts.docs.delivered)

	rec = ts.do(t, http.MethodPost, "/deliveries/PAY-404", "", auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.docs.result = models.DeliveryResult{ErrorKind: failure.KindFallbackFailed.String(), ArtifactGenerated: true}
	rec = ts.do(t, http.MethodPost, "/deliveries/PAY-1", "", auth)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStatusHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Scheduler map[string]any `json:"scheduler"`
		Cache     cache.Stats    `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.EqualValues(t, 2, status.Scheduler["queueLength"])
	assert.Equal(t, 3, status.Cache.Entries)

	rec = ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docdelivery_http_requests_total")
}
