package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotator_CyclesIdentities(t *testing.T) {
	t.Parallel()
	r := NewRotator([]string{"ua-1", "ua-2"}, []string{"http://p1:8080", "http://p2:8080", "http://p3:8080"})

	first := r.Next()
	second := r.Next()
	third := r.Next()

	assert.Equal(t, Identity{UserAgent: "ua-1", Proxy: "http://p1:8080"}, first)
	assert.Equal(t, Identity{UserAgent: "ua-2", Proxy: "http://p2:8080"}, second)
	assert.Equal(t, Identity{UserAgent: "ua-1", Proxy: "http://p3:8080"}, third)
	assert.NotEqual(t, first.UserAgent, second.UserAgent, "consecutive sessions differ")
}

func TestRotator_Defaults(t *testing.T) {
	t.Parallel()
	r := NewRotator(nil, nil)
	id := r.Next()
	assert.Equal(t, DefaultUserAgents[0], id.UserAgent)
	assert.Empty(t, id.Proxy)
	assert.Equal(t, DefaultUserAgents[1], r.Next().UserAgent)
}

func TestPacer_DelayRange(t *testing.T) {
	t.Parallel()
	p := NewPacer(10*time.Millisecond, 20*time.Millisecond)
	for range 100 {
		d := p.Delay()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 20*time.Millisecond)
	}

	assert.Equal(t, 5*time.Millisecond, NewPacer(5*time.Millisecond, time.Millisecond).Delay())
	assert.Zero(t, NewPacer(0, 0).Delay())
	var nilPacer *Pacer
	assert.Zero(t, nilPacer.Delay())
}

func TestPacer_PauseCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := NewPacer(time.Hour, time.Hour).Pause(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPacer_PauseWaits(t *testing.T) {
	t.Parallel()
	start := time.Now()
	require.NoError(t, NewPacer(15*time.Millisecond, 15*time.Millisecond).Pause(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func chromeAvailable() bool {
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

func TestChromeSession_NavigateAndClick(t *testing.T) {
	if testing.Short() || !chromeAvailable() {
		t.Skip("chrome not available")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/challenge" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`<html><body>Checking your browser</body></html>`))
			return
		}
		_, _ = w.Write([]byte(`<html><body><div id="frame">one</div>
<button id="next" onclick="document.getElementById('frame').textContent='two'">next</button></body></html>`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sess, err := NewFactory(Options{Headless: true, NavTimeout: 20 * time.Second}).Open(ctx)
	require.NoError(t, err)
	defer sess.Close() //nolint:errcheck

	page, err := sess.Navigate(ctx, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, 200, page.Status)
	assert.Contains(t, page.HTML, "one")

	require.NoError(t, sess.Click(ctx, "#next"))
	html, err := sess.HTML(ctx)
	require.NoError(t, err)
	assert.Contains(t, html, "two")

	shot, err := sess.Screenshot(ctx, "#frame")
	require.NoError(t, err)
	assert.NotEmpty(t, shot)

	page, err = sess.Navigate(ctx, srv.URL+"/challenge")
	require.NoError(t, err, "error statuses come back with the page")
	assert.Equal(t, http.StatusForbidden, page.Status)
	assert.Contains(t, page.HTML, "Checking your browser")
}
