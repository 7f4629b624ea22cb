package purgectl

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		kind    TargetKind
		key     string
		host    string
		uri     string
		wantErr string
	}{
		{
			name: "plain url",
			in:   "http://example.com/page",
			kind: KindURL,
			key:  "http://example.com/page",
			host: "example.com",
			uri:  "/page",
		},
		{
			name: "host and scheme are case folded",
			in:   "HTTPS://Example.COM:8443/a/B?x=1",
			kind: KindURL,
			key:  "https://example.com:8443/a/B?x=1",
			host: "example.com:8443",
			uri:  "/a/B?x=1",
		},
		{
			name: "root when path is empty",
			in:   "http://example.com",
			kind: KindURL,
			key:  "http://example.com/",
			host: "example.com",
			uri:  "/",
		},
		{
			name: "anchored pattern",
			in:   `^/images/.*\.png$`,
			kind: KindPattern,
			key:  `pattern:^/images/.*\.png$`,
			uri:  `^/images/.*\.png$`,
		},
		{
			name: "path prefix pattern",
			in:   "/blog/",
			kind: KindPattern,
			key:  "pattern:/blog/",
			uri:  "/blog/",
		},
		{name: "empty", in: "", wantErr: "empty target"},
		{name: "whitespace", in: "http://example.com/a b", wantErr: "whitespace"},
		{name: "control char", in: "http://example.com/\x01", wantErr: "control"},
		{name: "relative without slash", in: "example.com/page", wantErr: "scheme"},
		{name: "ftp", in: "ftp://example.com/file", wantErr: "scheme"},
		{name: "no host", in: "http:///page", wantErr: "missing host"},
		{name: "credentials", in: "http://user:pw@example.com/", wantErr: "credentials"},
		{name: "bad regexp", in: "^/images/(", wantErr: "missing closing )"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				var me *MalformedTargetError
				require.True(t, errors.As(err, &me))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind())
			assert.Equal(t, tt.key, got.Key())
			assert.Equal(t, tt.host, got.Host())
			assert.Equal(t, tt.uri, got.RequestURI())
			assert.Equal(t, tt.in, got.Raw())
		})
	}
}

func TestTargetKeysCoalesceEquivalentURLs(t *testing.T) {
	a, err := ParseTarget("http://EXAMPLE.com/page")
	require.NoError(t, err)
	b, err := ParseTarget("http://example.com/page")
	require.NoError(t, err)
	assert.Equal(t, a.Key(), b.Key())

	c, err := ParseTarget("http://example.com/Page")
	require.NoError(t, err)
	assert.NotEqual(t, a.Key(), c.Key())
}
