package canvas

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
)

// testClient points the client at an httptest server over plain HTTP.
func testClient(t *testing.T, handler http.Handler) (*Client, string) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.Client())
	c.scheme = "http"

	return c, strings.TrimPrefix(srv.URL, "http://")
}

func TestSelf(t *testing.T) {
	var gotAuth string
	c, domain := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/api/v1/users/self/profile", r.URL.Path)
		w.Write([]byte(`{"id": 42, "name": "Ada Lovelace", "primary_email": "ada@x.edu", "login_id": "ada"}`))
	}))

	p, err := c.Self(t.Context(), domain, "tok")
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "42", p.ID)
	assert.Equal(t, "Ada Lovelace", p.Name)
	assert.Equal(t, "ada@x.edu", p.PrimaryEmail)
}

func TestSelfRejectsShapelessResponse(t *testing.T) {
	c, domain := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors": [{"message": "Invalid access token."}]}`))
	}))

	_, err := c.Self(t.Context(), domain, "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, bridgeerrors.ErrUpstream)
}

func TestNon2xxIsUpstreamError(t *testing.T) {
	c, domain := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"Invalid access token."}]}`, http.StatusUnauthorized)
	}))

	_, err := c.Self(t.Context(), domain, "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, bridgeerrors.ErrUpstream)
	assert.Contains(t, err.Error(), "401")
}

func TestActiveCourses(t *testing.T) {
	c, domain := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/courses", r.URL.Path)
		require.Equal(t, "active", r.URL.Query().Get("enrollment_state"))
		w.Write([]byte(`[
			{"id": 1, "name": "Biology", "course_code": "BIO-101", "term": {"name": "Fall"}},
			{"id": 2, "name": "Chemistry", "course_code": "CHM-101"}
		]`))
	}))

	courses, err := c.ActiveCourses(t.Context(), domain, "tok")
	require.NoError(t, err)
	require.Len(t, courses, 2)
	assert.Equal(t, "1", courses[0].ID)
	assert.Equal(t, "Fall", courses[0].Term)
	assert.Equal(t, "Chemistry", courses[1].Name)
}

func TestAssignmentsAndGrades(t *testing.T) {
	c, domain := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/courses/7/assignments":
			w.Write([]byte(`[{"id": 9, "name": "Lab 1", "due_at": "2026-09-01T00:00:00Z", "points_possible": 10.5}]`))
		case "/api/v1/courses/7/enrollments":
			require.Equal(t, "self", r.URL.Query().Get("user_id"))
			w.Write([]byte(`[{"grades": {"current_score": 91.2, "current_grade": "A-", "final_score": 88.0}}]`))
		default:
			http.NotFound(w, r)
		}
	}))

	assignments, err := c.Assignments(t.Context(), domain, "tok", "7")
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, "Lab 1", assignments[0].Name)
	assert.Equal(t, 10.5, assignments[0].PointsPossible)

	grades, err := c.Grades(t.Context(), domain, "tok", "7")
	require.NoError(t, err)
	require.Len(t, grades, 1)
	assert.Equal(t, "7", grades[0].CourseID)
	assert.Equal(t, "A-", grades[0].CurrentGrade)
}

func TestAnnouncementsFanOutSwallowsPerCourseFailures(t *testing.T) {
	c, domain := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("context_codes[]") {
		case "course_1":
			w.Write([]byte(`[{"id": 11, "title": "Welcome", "posted_at": "2026-08-20T00:00:00Z"}]`))
		case "course_2":
			http.Error(w, "forbidden", http.StatusForbidden)
		case "course_3":
			w.Write([]byte(`[{"id": 31, "title": "Exam moved"}]`))
		default:
			http.NotFound(w, r)
		}
	}))

	all, failed, err := c.Announcements(t.Context(), domain, "tok", []string{"1", "2", "3"}, time.Time{})
	require.NoError(t, err)

	require.Len(t, all, 2)
	assert.Equal(t, "Welcome", all[0].Title)
	assert.Equal(t, "1", all[0].CourseID)
	assert.Equal(t, []string{"2"}, failed)
}

func TestGetCachesAndDeduplicates(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})

	c, domain := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte(`{"id": 42, "name": "Ada"}`))
	}))

	// Two concurrent identical GETs share one upstream round trip.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Self(t.Context(), domain, "tok")
			assert.NoError(t, err)
		}()
	}

	// Let both goroutines pile onto the singleflight key before the
	// upstream responds.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load())

	// A third call inside the TTL is served from cache.
	_, err := c.Self(t.Context(), domain, "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestCacheIsPerToken(t *testing.T) {
	var hits atomic.Int64
	c, domain := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"id": 42, "name": "Ada"}`))
	}))

	_, err := c.Self(t.Context(), domain, "token-a")
	require.NoError(t, err)
	_, err = c.Self(t.Context(), domain, "token-b")
	require.NoError(t, err)

	assert.Equal(t, int64(2), hits.Load())
}

func TestCacheEvictsStaleEntries(t *testing.T) {
	c, domain := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": 42, "name": "Ada"}`))
	}))

	_, err := c.Self(t.Context(), domain, "tok")
	require.NoError(t, err)

	// Age every entry past the TTL; the next miss must reap them
	// rather than let distinct keys accumulate forever.
	c.cacheMu.Lock()
	for k, v := range c.cache {
		v.fetchedAt = v.fetchedAt.Add(-2 * cacheTTL)
		c.cache[k] = v
	}
	c.cacheMu.Unlock()

	_, err = c.Self(t.Context(), domain, "other-token")
	require.NoError(t, err)

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	assert.Len(t, c.cache, 1)
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "plain text", sanitizeResponseBody([]byte("plain text")))
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("x", 1000))), 256)
}

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, err := http.NewRequest(http.MethodGet, "https://x.edu/a", nil)
	require.NoError(t, err)

	same, err := http.NewRequest(http.MethodGet, "https://x.edu/b", nil)
	require.NoError(t, err)
	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))

	other, err := http.NewRequest(http.MethodGet, "https://evil.example/b", nil)
	require.NoError(t, err)
	assert.Error(t, sameHostRedirectPolicy(other, []*http.Request{orig}))
}

func TestCacheKeyHidesToken(t *testing.T) {
	key := cacheKey("x.edu", "super-secret-token", "/api/v1/courses", url.Values{}.Encode())
	assert.NotContains(t, key, "super-secret-token")
}
