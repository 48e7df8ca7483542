package governance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/a.jpg", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Contains(t, r.UserAgent(), "Mozilla")
		w.Header().Set("Content-Type", "image/jpeg")
	})
	mux.HandleFunc("/b.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
	})
	mux.HandleFunc("/gone.jpg", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/moved.jpg", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b.png", http.StatusFound)
	})
	mux.HandleFunc("/get-only.webp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "image/webp")
		w.WriteHeader(http.StatusPartialContent)
	})
	mux.HandleFunc("/slow.jpg", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.Header().Set("Content-Type", "image/jpeg")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestValidateOneValidOneMalformed(t *testing.T) {
	srv := mediaServer(t)
	v := NewMediaValidator()

	got := v.Validate(context.Background(), []string{"not a url", srv.URL + "/a.jpg"}, time.Second)
	assert.Equal(t, []string{srv.URL + "/a.jpg"}, got)
}

type reasonCounter struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *reasonCounter) MediaRejected(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = map[string]int{}
	}
	c.n[reason]++
}

func TestCheckPreservesOrderAndReasons(t *testing.T) {
	srv := mediaServer(t)
	rc := &reasonCounter{}
	v := NewMediaValidator(WithMediaRecorder(rc))

	urls := []string{
		srv.URL + "/b.png",
		"ftp://files.local/x.jpg",
		"https://example.com/cat.jpg",
		srv.URL + "/page.html",
		srv.URL + "/a.jpg",
		srv.URL + "/gone.jpg",
		srv.URL + "/moved.jpg",
		srv.URL + "/get-only.webp",
		srv.URL + "/slow.jpg",
		"https://cdn.site/IMAGE1.JPG",
	}
	report := v.Check(context.Background(), urls, 200*time.Millisecond)

	assert.Equal(t, []string{
		srv.URL + "/b.png",
		srv.URL + "/a.jpg",
		srv.URL + "/moved.jpg",
		srv.URL + "/get-only.webp",
	}, report.Valid)

	reasons := map[string]string{}
	for _, r := range report.Rejected {
		reasons[strings.TrimPrefix(r.URL, srv.URL)] = r.Reason
	}
	assert.Equal(t, map[string]string{
		"ftp://files.local/x.jpg":     ReasonMalformed,
		"https://example.com/cat.jpg": ReasonPlaceholder,
		"/page.html":                  ReasonContentType,
		"/gone.jpg":                   ReasonStatus,
		"/slow.jpg":                   ReasonUnreachable,
		"https://cdn.site/IMAGE1.JPG": ReasonPlaceholder,
	}, reasons)
	assert.Equal(t, 2, rc.n[ReasonPlaceholder])
	assert.Contains(t, report.Summary(), "4 of 10 media references valid")
}

func TestValidateEmpty(t *testing.T) {
	v := NewMediaValidator()
	assert.Empty(t, v.Validate(context.Background(), nil, time.Second))
	require.Equal(t, "0 of 0 media references valid", MediaReport{}.Summary())
}
