package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, proxyURL, journal string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "purgectl.yaml")
	content := "proxy:\n  url: " + proxyURL + "\n  backoff: 1ms\n" +
		"logging:\n  level: error\n"
	if journal != "" {
		content += "journal:\n  path: " + journal + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "")
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestPurgeCommand(t *testing.T) {
	var hits atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/private" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	journal := filepath.Join(t.TempDir(), "journal")
	cfg := writeConfig(t, proxy.URL, journal)

	out, _, err := execute(t, "--config", cfg, "purge", "http://example.com/page")
	require.NoError(t, err)
	assert.Contains(t, out, "OK   http://example.com/page (status=200, attempts=1)")

	out, stderr, err := execute(t, "--config", cfg, "purge", "http://example.com/private", "bogus")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errPurgeFailed))
	assert.Contains(t, out, "FAIL http://example.com/private: proxy rejected: 403")
	assert.Contains(t, out, "FAIL bogus: malformed target")
	assert.Contains(t, stderr, "2 of 2")
	assert.Equal(t, int32(2), hits.Load())

	out, _, err = execute(t, "--config", cfg, "history", "--limit", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "FAIL http://example.com/private (proxy rejected: 403, attempts=1)")
	assert.Contains(t, out, "OK   http://example.com/page (200, attempts=1)")
}

func TestSitemapCommandDryRun(t *testing.T) {
	var purges atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			purges.Add(1)
			return
		}
		_, _ = w.Write([]byte(`<urlset><url><loc>https://example.com/a</loc></url><url><loc>https://example.com/b</loc></url></urlset>`))
	}))
	defer srv.Close()

	cfg := writeConfig(t, srv.URL, "")
	out, _, err := execute(t, "--config", cfg, "sitemap", "--dry-run", srv.URL+"/sitemap.xml")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a\nhttps://example.com/b\n", out)
	assert.Equal(t, int32(0), purges.Load())

	out, _, err = execute(t, "--config", cfg, "sitemap", srv.URL+"/sitemap.xml")
	require.NoError(t, err)
	assert.Contains(t, out, "OK   https://example.com/a")
	assert.Contains(t, out, "OK   https://example.com/b")
	assert.Equal(t, int32(2), purges.Load())
}

func TestProxyFlagOverridesConfig(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	cfg := writeConfig(t, "http://127.0.0.1:1", "")
	out, _, err := execute(t, "--config", cfg, "--proxy", proxy.URL, "purge", "/assets/")
	require.NoError(t, err)
	assert.Contains(t, out, "OK   /assets/")
}

func TestProxyFlagFillsMissingURL(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	path := filepath.Join(t.TempDir(), "purgectl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proxy:\n  backoff: 1ms\nlogging:\n  level: error\n"), 0o600))

	_, stderr, err := execute(t, "--config", path, "purge", "http://example.com/")
	require.Error(t, err)
	assert.Contains(t, stderr, "proxy.url is required")

	out, _, err := execute(t, "--config", path, "--proxy", proxy.URL, "purge", "http://example.com/")
	require.NoError(t, err)
	assert.Contains(t, out, "OK   http://example.com/ (status=200, attempts=1)")
}

func TestLogLevelPrecedence(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:1", "")

	t.Setenv("LOG_LEVEL", "")
	cfg, err := (&rootOptions{configPath: path}).loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)

	t.Setenv("LOG_LEVEL", "debug")
	cfg, err = (&rootOptions{configPath: path}).loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	cfg, err = (&rootOptions{configPath: path, logLevel: "warn"}).loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestHistoryWithoutJournal(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1", "")
	_, stderr, err := execute(t, "--config", cfg, "history")
	require.Error(t, err)
	assert.Contains(t, stderr, "journal.path is not configured")
}

func TestMissingConfig(t *testing.T) {
	_, stderr, err := execute(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "purge", "http://example.com/")
	require.Error(t, err)
	assert.Contains(t, stderr, "load config")
}
