package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const safeSleepHTML = `<html><head><style>.x{}</style></head><body>
<nav>Home | About</nav>
<main><h1>Safe Sleep</h1>
<p>Place babies   on their backs
to sleep.</p><script>track()</script></main>
<footer>Copyright</footer></body></html>`

func newServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestAugmentExtractsMainText(t *testing.T) {
	srv, hits := newServer(t, http.StatusOK, safeSleepHTML)
	c := NewClient(Config{Sources: []Source{{Name: "AAP", URL: srv.URL, Keywords: []string{"sleep"}}}}, nil)

	aug, err := c.Augment(context.Background(), "Safe Sleep for newborns")
	require.NoError(t, err)
	assert.Equal(t, "Safe Sleep Place babies on their backs to sleep.", aug.Content)
	assert.False(t, aug.Cached)

	aug, err = c.Augment(context.Background(), "sleep regression")
	require.NoError(t, err)
	assert.True(t, aug.Cached)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestAugmentNoMatch(t *testing.T) {
	c := NewClient(Config{Sources: []Source{{Name: "AAP", URL: "http://unused", Keywords: []string{"sleep"}}}}, nil)

	_, err := c.Augment(context.Background(), "diaper rash")
	assert.ErrorIs(t, err, ErrNoMatchingSource)
}

func TestAugmentFailsOnBadStatus(t *testing.T) {
	srv, _ := newServer(t, http.StatusServiceUnavailable, "down")
	c := NewClient(Config{Sources: []Source{{Name: "CDC", URL: srv.URL, Keywords: []string{"feeding"}}}}, nil)

	_, err := c.Augment(context.Background(), "bottle feeding")
	assert.Error(t, err)
}

func TestAugmentTruncates(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, "<body>"+strings.Repeat("é", 100)+"</body>")
	c := NewClient(Config{MaxChars: 10, Sources: []Source{{URL: srv.URL, Keywords: []string{"x"}}}}, nil)

	aug, err := c.Augment(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 10), aug.Content)
}

func TestMemoryCacheExpires(t *testing.T) {
	m := NewMemoryCache()
	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.SetContent(context.Background(), "k", "v", time.Hour))
	_, ok, _ := m.GetContent(context.Background(), "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Hour)
	_, ok, _ = m.GetContent(context.Background(), "k")
	assert.False(t, ok)
}
