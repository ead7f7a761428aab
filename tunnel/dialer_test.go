package tunnel

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/justenwalker/proxytunnel/auth"
)

// fakeProxy accepts one CONNECT, requires the given Proxy-Authorization and
// then echoes everything back.
func fakeProxy(t *testing.T, wantAuth string) (addr string, requests chan *http.Request) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	requests = make(chan *http.Request, 2)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			requests <- req
			if req.Header.Get("Proxy-Authorization") != wantAuth {
				io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"test\"\r\nContent-Length: 0\r\n\r\n")
				continue
			}
			io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")
			io.Copy(c, br)
			return
		}
	}()
	return l.Addr().String(), requests
}

func echo(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := c.Write([]byte("ping"))
	require.NoError(t, err)
	b := make([]byte, 4)
	_, err = io.ReadFull(c, b)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(b))
}

func TestDialerChallenge(t *testing.T) {
	addr, requests := fakeProxy(t, "Basic YWxpY2U6c2VjcmV0")
	d := &Dialer{
		ProxyAddr: addr,
		Negotiator: &Negotiator{
			Credentials: auth.Credentials{Username: "alice", Password: "secret"},
		},
	}
	c, err := d.DialContext(context.Background(), "tcp", "example.com:22")
	require.NoError(t, err)
	defer c.Close()
	echo(t, c)

	first := <-requests
	assert.Equal(t, http.MethodConnect, first.Method)
	assert.Equal(t, "example.com:22", first.Host)
	assert.Empty(t, first.Header.Get("Proxy-Authorization"))
	second := <-requests
	assert.Equal(t, "Basic YWxpY2U6c2VjcmV0", second.Header.Get("Proxy-Authorization"))
}

func TestDialerFromURL(t *testing.T) {
	addr, requests := fakeProxy(t, "Basic YWxpY2U6c2VjcmV0")
	u, err := url.Parse("http://alice:secret@" + addr + "?auth=basic")
	require.NoError(t, err)
	pd, err := proxy.FromURL(u, proxy.Direct)
	require.NoError(t, err)
	d, ok := pd.(*Dialer)
	require.True(t, ok)
	assert.Equal(t, auth.SchemeBasic, d.Negotiator.Scheme)

	c, err := pd.Dial("tcp", "example.com:443")
	require.NoError(t, err)
	defer c.Close()
	echo(t, c)
	assert.Len(t, requests, 1)
}

func TestFromURL(t *testing.T) {
	u, _ := url.Parse(`https://CORP%5Cbob:pw@proxy.example.com`)
	pd, err := FromURL(u, nil)
	require.NoError(t, err)
	d := pd.(*Dialer)
	assert.Equal(t, "proxy.example.com:443", d.ProxyAddr)
	require.NotNil(t, d.TLS)
	assert.Equal(t, "proxy.example.com", d.TLS.ServerName)
	assert.Equal(t, auth.Credentials{Username: "bob", Password: "pw", Domain: "CORP"}, d.Negotiator.Credentials)

	u, _ = url.Parse("http://proxy.example.com")
	pd, err = FromURL(u, nil)
	require.NoError(t, err)
	assert.Equal(t, "proxy.example.com:80", pd.(*Dialer).ProxyAddr)

	u, _ = url.Parse("http://proxy.example.com:3128?auth=digest")
	_, err = FromURL(u, nil)
	assert.Error(t, err)
}

func TestDialerNetwork(t *testing.T) {
	d := &Dialer{ProxyAddr: "127.0.0.1:1"}
	_, err := d.Dial("udp", "example.com:53")
	assert.Error(t, err)
}
