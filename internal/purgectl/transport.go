package purgectl

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Transport delivers one invalidation to the proxy. It returns the proxy's
// acknowledgement status, a *NetworkError for transient failures or a
// *RejectedError when the proxy refused. Any other error is treated as a
// rejection and is not retried.
type Transport interface {
	Invalidate(ctx context.Context, req Request) (status int, err error)
}

// NewTransport picks the transport for cfg.Proxy.Mode.
func NewTransport(cfg Config) (Transport, error) {
	switch cfg.Proxy.Mode {
	case ModeHTTP:
		return NewHTTPTransport(cfg, nil), nil
	case ModeAdmin:
		return NewAdminTransport(cfg)
	}
	return nil, errors.Errorf("unknown proxy mode %q", cfg.Proxy.Mode)
}

type HTTPTransport struct {
	baseURL       string
	method        string
	banMethod     string
	patternHeader string
	banHost       string
	headers       map[string]string

	httpClient *http.Client
}

// NewHTTPTransport sends PURGE requests for URL targets and BAN requests for
// patterns. A nil httpClient means a client without its own timeout; attempt
// deadlines come from the request context.
func NewHTTPTransport(cfg Config, httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = &http.Client{
			// Never follow redirects; a 3xx is an answer from the proxy.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPTransport{
		baseURL:       cfg.Proxy.URL,
		method:        cfg.Proxy.Method,
		banMethod:     cfg.Proxy.BanMethod,
		patternHeader: cfg.Proxy.PatternHeader,
		banHost:       cfg.Proxy.Host,
		headers:       cfg.Proxy.Headers,
		httpClient:    httpClient,
	}
}

func (t *HTTPTransport) Invalidate(ctx context.Context, req Request) (int, error) {
	hreq, err := t.newRequest(ctx, req)
	if err != nil {
		return 0, err
	}

	resp, err := t.httpClient.Do(hreq)
	if err != nil {
		return 0, &NetworkError{Op: hreq.Method + " " + req.Target.Key(), Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &RejectedError{
			Status: resp.StatusCode,
			Msg:    strings.TrimSpace(string(snippet)),
		}
	}
	return resp.StatusCode, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	var (
		method = t.method
		target = t.baseURL + req.Target.RequestURI()
		host   = req.Target.Host()
	)
	if req.Target.Kind() == KindPattern {
		method = t.banMethod
		target = t.baseURL + "/"
		host = t.banHost
	}

	hreq, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, v := range t.headers {
		hreq.Header.Set(k, v)
	}
	if req.Target.Kind() == KindPattern {
		hreq.Header.Set(t.patternHeader, req.Target.Raw())
	}
	if host != "" {
		hreq.Host = host
	}
	hreq.Header.Set("X-Request-ID", req.ID.String())
	return hreq, nil
}
