package purgectl

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const maxSitemapBytes = 50 << 20

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// ExpandSitemap fetches a sitemap or sitemap index and returns every page URL
// it lists, following nested sitemaps once each. Relative locations resolve
// against the sitemap that lists them. A nil httpClient uses
// http.DefaultClient.
func ExpandSitemap(ctx context.Context, httpClient *http.Client, sitemapURL string) ([]string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	queue := []string{strings.TrimSpace(sitemapURL)}
	var out []string

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		base, err := url.Parse(smURL)
		if err != nil {
			return out, errors.Wrapf(err, "sitemap url %q", smURL)
		}
		doc, err := fetchSitemap(ctx, httpClient, smURL)
		if err != nil {
			return out, errors.Wrapf(err, "fetch sitemap %q", smURL)
		}

		for _, nested := range doc.Sitemaps {
			if u := resolveLoc(base, nested); u != "" {
				queue = append(queue, u)
			}
		}
		for _, loc := range doc.URLs {
			u := resolveLoc(base, loc)
			if u == "" {
				continue
			}
			if _, ok := seenURLs[u]; ok {
				continue
			}
			seenURLs[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out, nil
}

func resolveLoc(base *url.URL, loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func fetchSitemap(ctx context.Context, httpClient *http.Client, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, errors.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return sitemapDoc{}, err
	}

	// A .gz URL may already have been decoded by the transport when the
	// server also set Content-Encoding, so only trust the magic bytes.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, errors.Wrap(err, "gunzip")
		}
		defer gz.Close()
		if body, err = io.ReadAll(io.LimitReader(gz, maxSitemapBytes)); err != nil {
			return sitemapDoc{}, errors.Wrap(err, "gunzip")
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.Wrap(err, "parse xml")
	}
	return doc, nil
}
