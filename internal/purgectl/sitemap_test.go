package purgectl

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExpandSitemapIndex(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>` + srv.URL + `/pages.xml</loc></sitemap>
  <sitemap><loc>/posts.xml.gz</loc></sitemap>
  <sitemap><loc>/sitemap.xml</loc></sitemap>
</sitemapindex>`))
	})
	mux.HandleFunc("/pages.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc> https://example.com/ </loc></url>
  <url><loc>https://example.com/about</loc></url>
</urlset>`))
	})
	mux.HandleFunc("/posts.xml.gz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(gzipBytes(t, `<urlset>
  <url><loc>https://example.com/about</loc></url>
  <url><loc>/posts/1</loc></url>
  <url><loc></loc></url>
</urlset>`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	urls, err := ExpandSitemap(context.Background(), srv.Client(), srv.URL+"/sitemap.xml")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/",
		"https://example.com/about",
		srv.URL + "/posts/1",
	}, urls)
}

func TestExpandSitemapErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.xml":
			http.Error(w, "gone", http.StatusNotFound)
		default:
			_, _ = w.Write([]byte("<urlset><url><loc>"))
		}
	}))
	defer srv.Close()

	_, err := ExpandSitemap(context.Background(), nil, srv.URL+"/missing.xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")

	_, err = ExpandSitemap(context.Background(), nil, srv.URL+"/broken.xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse xml")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ExpandSitemap(ctx, nil, srv.URL+"/sitemap.xml")
	assert.ErrorIs(t, err, context.Canceled)
}
