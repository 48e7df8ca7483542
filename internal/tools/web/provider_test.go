package web_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rahul/scribe/internal/tools"
	"github.com/rahul/scribe/internal/tools/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSearch struct {
	query string
	err   error
}

func (s *stubSearch) Call(ctx context.Context, input string) (string, error) {
	s.query = input
	if s.err != nil {
		return "", s.err
	}
	return "1. Edge computing explained - https://news.site/edge", nil
}

const article = `<!DOCTYPE html>
<html><head>
<title>Edge Computing in 2026</title>
<meta property="og:image" content="/media/cover.jpg">
</head><body>
<article>
<h1>Edge Computing in 2026</h1>
<p>Edge computing moves processing closer to where data is produced. This reduces latency for
industrial sensors, retail analytics, and connected vehicles, and it keeps sensitive data local.</p>
<p>Operators now run small clusters in cell towers and factory floors. The economics changed once
hardware became cheap enough to deploy by the thousand, and orchestration software matured.</p>
<img src="https://cdn.news.site/chart.png">
<script>alert("x")</script>
</article>
</body></html>`

func dial(t *testing.T, p *web.Provider) tools.Session {
	t.Helper()
	d := tools.InProcessDialer(p.Server(), nil)
	sess, err := d(context.Background(), tools.ProviderSpec{Name: "web", Transport: tools.TransportBuiltin})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestProviderListsTools(t *testing.T) {
	p, err := web.New(web.Options{Searcher: &stubSearch{}, DisableRender: true})
	require.NoError(t, err)
	defer p.Close()

	descs, err := dial(t, p).ListTools(context.Background())
	require.NoError(t, err)

	names := map[string]tools.Descriptor{}
	for _, d := range descs {
		names[d.Name] = d
	}
	require.Contains(t, names, web.ToolSearch)
	require.Contains(t, names, web.ToolFetch)
	assert.NotContains(t, names, web.ToolRender)

	props := names[web.ToolFetch].Parameters["properties"].(map[string]any)
	assert.Contains(t, props, "url")
	assert.Equal(t, []any{"url"}, names[web.ToolFetch].Parameters["required"])
}

func TestSearchTool(t *testing.T) {
	s := &stubSearch{}
	p, err := web.New(web.Options{Searcher: s, DisableRender: true})
	require.NoError(t, err)
	sess := dial(t, p)

	res, err := sess.CallTool(context.Background(), web.ToolSearch, map[string]any{"query": "edge computing"})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.Contains(t, res.Text, "Edge computing explained")
	assert.Equal(t, "edge computing", s.query)

	s.err = errors.New("429 Too Many Requests")
	res, err = sess.CallTool(context.Background(), web.ToolSearch, map[string]any{"query": "edge"})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.True(t, tools.ShouldRotate(res.Text))

	res, err = sess.CallTool(context.Background(), web.ToolSearch, map[string]any{})
	require.NoError(t, err)
	assert.True(t, res.Failed())
}

func TestFetchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/edge" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(article))
	}))
	defer srv.Close()

	p, err := web.New(web.Options{Searcher: &stubSearch{}, DisableRender: true})
	require.NoError(t, err)
	sess := dial(t, p)

	res, err := sess.CallTool(context.Background(), web.ToolFetch, map[string]any{"url": srv.URL + "/edge"})
	require.NoError(t, err)
	require.False(t, res.Failed(), res.Text)
	assert.Contains(t, res.Text, "TITLE: Edge Computing in 2026")
	assert.Contains(t, res.Text, "closer to where data is produced")
	assert.NotContains(t, res.Text, "alert(")

	require.Equal(t, tools.KindStructured, res.Kind)
	assert.Equal(t, []any{srv.URL + "/media/cover.jpg", "https://cdn.news.site/chart.png"}, res.Payload["images"])

	res, err = sess.CallTool(context.Background(), web.ToolFetch, map[string]any{"url": srv.URL + "/missing"})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Text, "status code 404")
}
