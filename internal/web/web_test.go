package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/edubridge/canvas-mcp/internal/authcache"
	"github.com/edubridge/canvas-mcp/internal/canvas"
	"github.com/edubridge/canvas-mcp/internal/crypto"
	"github.com/edubridge/canvas-mcp/internal/mailer"
	"github.com/edubridge/canvas-mcp/internal/store"
)

// plainHTTPTransport downgrades outgoing requests to plain HTTP so the
// Canvas client can talk to a local httptest server.
type plainHTTPTransport struct{}

func (plainHTTPTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "http"
	return http.DefaultTransport.RoundTrip(r)
}

type testEnv struct {
	h      *Handler
	store  *store.Store
	cache  *authcache.Cache
	mailer *mailer.MockMailer
	domain string
}

// fakeCanvas accepts Bearer good-token and rejects everything else.
func fakeCanvas(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/users/self/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errors":[{"message":"Invalid access token."}]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":123,"name":"Test Student","primary_email":"student@example.com","login_id":"tstudent"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cache := authcache.New(authcache.DefaultTTL)
	t.Cleanup(cache.Stop)

	sealer, err := crypto.NewSealer(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	mock := mailer.NewMockMailer(ctrl)

	srv := fakeCanvas(t)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cv := canvas.NewClient(&http.Client{Transport: plainHTTPTransport{}})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(st, cache, sealer, mock, cv, logger, Config{
		ServerURL:         "http://bridge.test",
		SessionTTL:        time.Hour,
		MagicLinkTTL:      15 * time.Minute,
		MagicLinkCooldown: 5 * time.Minute,
	})

	return &testEnv{h: h, store: st, cache: cache, mailer: mock, domain: u.Host}
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

// requestLink drives POST /login and returns the link handed to the mailer.
func requestLink(t *testing.T, env *testEnv, email string) string {
	t.Helper()

	var link string
	env.mailer.EXPECT().
		SendMagicLink(gomock.Any(), email, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, l string, _ time.Duration) error {
			link = l
			return nil
		})

	form := url.Values{"email": {email}}
	req := httptest.NewRequest("POST", "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.h.HandleLogin(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, link)

	return link
}

// verifyLink follows a magic link and returns the session cookie.
func verifyLink(t *testing.T, env *testEnv, link string) *http.Cookie {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", u.RequestURI(), nil)
	rec := httptest.NewRecorder()
	env.h.HandleVerify(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	return sessionCookie(t, rec)
}

// tokenLogin drives POST /api/token-login and returns the session cookie.
func tokenLogin(t *testing.T, env *testEnv, accessToken string, cookie *http.Cookie) (*httptest.ResponseRecorder, *http.Cookie) {
	t.Helper()
	body, err := json.Marshal(tokenLoginRequest{CanvasDomain: env.domain, AccessToken: accessToken})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/token-login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	env.h.HandleTokenLogin(rec, req)

	if cookie == nil && rec.Code == http.StatusOK {
		cookie = sessionCookie(t, rec)
	}

	return rec, cookie
}

func getMe(t *testing.T, env *testEnv, cookie *http.Cookie) (*httptest.ResponseRecorder, meResponse) {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/user/me", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	env.h.HandleMe(rec, req)

	var resp meResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	}

	return rec, resp
}

// --- Login ---

func TestLogin_GET_RendersForm(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/login?next=/auth/authorize%3Fclient_id%3Dx", nil)
	rec := httptest.NewRecorder()
	env.h.HandleLogin(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `name="email"`)
	assert.Contains(t, body, `name="next"`)
}

func TestLogin_POST_SendsLink(t *testing.T) {
	env := newTestEnv(t)

	link := requestLink(t, env, "student@example.com")
	assert.True(t, strings.HasPrefix(link, "http://bridge.test/auth/verify?token="))
}

func TestLogin_POST_InvalidEmail(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{"email": {"not-an-email"}}
	req := httptest.NewRequest("POST", "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.h.HandleLogin(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_POST_CooldownRejectsWithWaitHint(t *testing.T) {
	env := newTestEnv(t)

	requestLink(t, env, "student@example.com")

	// Second request within the cooldown: no mail expectation is set,
	// so a send here would also fail the mock controller.
	form := url.Values{"email": {"student@example.com"}}
	req := httptest.NewRequest("POST", "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.h.HandleLogin(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "Try again in")
}

// --- Verify ---

func TestVerify_SignsInAndCreatesUser(t *testing.T) {
	env := newTestEnv(t)

	link := requestLink(t, env, "student@example.com")
	cookie := verifyLink(t, env, link)

	user, err := env.store.UserByEmail(context.Background(), "student@example.com")
	require.NoError(t, err)
	assert.False(t, user.Activated())

	// The session is bound to the new user.
	sess, err := env.store.SessionByID(context.Background(), cookie.Value)
	require.NoError(t, err)
	require.NotNil(t, sess.UserID)
	assert.Equal(t, user.ID, *sess.UserID)

	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
}

func TestVerify_LinkSingleUse(t *testing.T) {
	env := newTestEnv(t)

	link := requestLink(t, env, "student@example.com")
	verifyLink(t, env, link)

	u, err := url.Parse(link)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", u.RequestURI(), nil)
	rec := httptest.NewRecorder()
	env.h.HandleVerify(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid or has expired")
}

func TestVerify_UnknownToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/auth/verify?token="+strings.Repeat("a", 64), nil)
	rec := httptest.NewRecorder()
	env.h.HandleVerify(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerify_HonorsNext(t *testing.T) {
	env := newTestEnv(t)

	link := requestLink(t, env, "student@example.com") + "&next=" + url.QueryEscape("/auth/authorize?client_id=x")
	u, err := url.Parse(link)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", u.RequestURI(), nil)
	rec := httptest.NewRecorder()
	env.h.HandleVerify(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/authorize?client_id=x", rec.Header().Get("Location"))
}

func TestVerify_RejectsAbsoluteNext(t *testing.T) {
	env := newTestEnv(t)

	link := requestLink(t, env, "student@example.com") + "&next=" + url.QueryEscape("https://attacker.example.com/")
	u, err := url.Parse(link)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", u.RequestURI(), nil)
	rec := httptest.NewRecorder()
	env.h.HandleVerify(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

// --- Token login ---

func TestTokenLogin_LinksAndIssuesKey(t *testing.T) {
	env := newTestEnv(t)

	rec, cookie := tokenLogin(t, env, "good-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)

	// Identity was stored, token sealed (never plaintext).
	user, err := env.store.UserByCanvasID(context.Background(), "123", env.domain)
	require.NoError(t, err)
	assert.True(t, user.Activated())
	require.NotNil(t, user.AccessTokenEnc)
	assert.NotContains(t, *user.AccessTokenEnc, "good-token")

	// The key is revealed once through /api/user/me.
	rec2, me := getMe(t, env, cookie)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.True(t, strings.HasPrefix(me.APIKey, store.APIKeyPrefix))
	assert.Equal(t, "123", me.CanvasUserID)

	_, me = getMe(t, env, cookie)
	assert.Empty(t, me.APIKey)
}

func TestTokenLogin_BadToken(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := tokenLogin(t, env, "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Nothing was persisted.
	_, err := env.store.UserByCanvasID(context.Background(), "123", env.domain)
	assert.Error(t, err)
}

func TestTokenLogin_MissingFields(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/token-login", strings.NewReader(`{"canvas_domain":""}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.h.HandleTokenLogin(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenLogin_RelinkKeepsSingleKey(t *testing.T) {
	env := newTestEnv(t)

	rec, cookie := tokenLogin(t, env, "good-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, me := getMe(t, env, cookie)
	firstKey := me.APIKey
	require.NotEmpty(t, firstKey)

	// Logging in again with the same Canvas identity reuses the user
	// and does not issue a second key.
	rec2, cookie2 := tokenLogin(t, env, "good-token", nil)
	require.Equal(t, http.StatusOK, rec2.Code)
	_, me2 := getMe(t, env, cookie2)
	assert.Empty(t, me2.APIKey)
	assert.Equal(t, me.UserID, me2.UserID)
}

// --- Me / key rotation ---

func TestMe_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := getMe(t, env, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegenerateKey_RotatesAndInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)

	_, cookie := tokenLogin(t, env, "good-token", nil)
	_, me := getMe(t, env, cookie)
	firstKey := me.APIKey
	require.NotEmpty(t, firstKey)

	// Simulate a cached verification for the old key.
	env.cache.Put(firstKey, me.UserID)
	require.Equal(t, 1, env.cache.Len())

	req := httptest.NewRequest("POST", "/api/user/regenerate-key", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.h.HandleRegenerateKey(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// The cached verification is gone.
	assert.Equal(t, 0, env.cache.Len())

	_, me2 := getMe(t, env, cookie)
	require.NotEmpty(t, me2.APIKey)
	assert.NotEqual(t, firstKey, me2.APIKey)
}

func TestRegenerateKey_RequiresActivation(t *testing.T) {
	env := newTestEnv(t)

	link := requestLink(t, env, "student@example.com")
	cookie := verifyLink(t, env, link)

	req := httptest.NewRequest("POST", "/api/user/regenerate-key", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.h.HandleRegenerateKey(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

// --- End to end ---

// TestEndToEnd_MagicLinkThenTokenLogin walks the full onboarding path:
// request a link, sign in, submit a Canvas token on the same session,
// then read the issued key exactly once.
func TestEndToEnd_MagicLinkThenTokenLogin(t *testing.T) {
	env := newTestEnv(t)

	link := requestLink(t, env, "student@example.com")
	cookie := verifyLink(t, env, link)

	rec, _ := tokenLogin(t, env, "good-token", cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	// The pre-activated magic-link account was adopted, not duplicated.
	user, err := env.store.UserByEmail(context.Background(), "student@example.com")
	require.NoError(t, err)
	assert.True(t, user.Activated())
	require.NotNil(t, user.CanvasUserID)
	assert.Equal(t, "123", *user.CanvasUserID)

	rec2, me := getMe(t, env, cookie)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, user.ID, me.UserID)
	assert.True(t, strings.HasPrefix(me.APIKey, store.APIKeyPrefix))

	_, me = getMe(t, env, cookie)
	assert.Empty(t, me.APIKey)
}
