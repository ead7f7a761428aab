package pac

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const script = `function FindProxyForURL(url, host) {
	if (host == "intranet") {
		return "DIRECT";
	}
	return "PROXY proxy.example.com:3128; DIRECT";
}`

func TestParseResult(t *testing.T) {
	proxies, err := parseResult("PROXY a:3128; HTTPS b:443;SOCKS c:1080; DIRECT")
	require.NoError(t, err)
	require.Len(t, proxies, 3)
	assert.Equal(t, "http://a:3128", proxies[0].String())
	assert.Equal(t, "https://b:443", proxies[1].String())
	assert.Nil(t, proxies[2])

	_, err = parseResult("PROXY")
	assert.Error(t, err)
}

func TestFilePAC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.pac")
	require.NoError(t, os.WriteFile(path, []byte(script), 0600))
	p := &PAC{URL: (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()}

	// nothing loaded yet
	u, err := p.Proxy("example.com:443")
	require.NoError(t, err)
	assert.Nil(t, u)

	updated, err := p.Refresh()
	require.NoError(t, err)
	assert.True(t, updated)

	u, err = p.Proxy("example.com:443")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "proxy.example.com:3128", u.Host)

	u, err = p.Proxy("intranet:22")
	require.NoError(t, err)
	assert.Nil(t, u)

	updated, err = p.Refresh()
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestHTTPPAC(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(script))
	}))
	defer srv.Close()

	p := &PAC{URL: srv.URL + "/proxy.pac"}
	updated, err := p.Refresh()
	require.NoError(t, err)
	assert.True(t, updated)
	updated, err = p.Refresh()
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, 2, requests)

	proxies, err := p.ProxiesFor("example.com:443")
	require.NoError(t, err)
	require.Len(t, proxies, 2)
	assert.Nil(t, proxies[1])
}

func TestRefreshErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := (&PAC{URL: srv.URL}).Refresh()
	assert.Error(t, err)

	_, err = (&PAC{URL: "ftp://example.com/proxy.pac"}).Refresh()
	assert.Error(t, err)

	_, err = (&PAC{URL: "file:///does/not/exist.pac"}).Refresh()
	assert.Error(t, err)
}
