package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justenwalker/proxytunnel/auth"
	"github.com/justenwalker/proxytunnel/httpresp"
	"github.com/justenwalker/proxytunnel/ntlm"
)

const (
	established = "HTTP/1.1 200 Connection established\r\n\r\n"
	digest407   = "HTTP/1.1 407 Proxy Authentication Required\r\n" +
		"Proxy-Authenticate: Digest realm=\"r\", nonce=\"n\", qop=\"auth\"\r\n" +
		"Content-Length: 0\r\n\r\n"
)

// scriptedConn answers the n-th request written to it with the n-th response.
type scriptedConn struct {
	responses []string
	requests  []string
	cur       *bytes.Reader
	writeErr  error
	readErr   error
	closed    bool
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.requests = append(c.requests, string(p))
	if len(c.responses) > 0 {
		c.cur = bytes.NewReader([]byte(c.responses[0]))
		c.responses = c.responses[1:]
	} else {
		c.cur = nil
	}
	return len(p), nil
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	if c.readErr != nil {
		return 0, c.readErr
	}
	if c.cur == nil {
		return 0, io.EOF
	}
	return c.cur.Read(p)
}

func (c *scriptedConn) Close() error {
	c.closed = true
	return nil
}

func testLogger() (*log.Logger, *memory.Handler) {
	h := memory.New()
	return &log.Logger{Handler: h, Level: log.DebugLevel}, h
}

func authorization(t *testing.T, req string) string {
	t.Helper()
	for _, line := range strings.Split(req, "\r\n") {
		if strings.HasPrefix(line, "Proxy-Authorization: ") {
			return strings.TrimPrefix(line, "Proxy-Authorization: ")
		}
	}
	return ""
}

func TestNegotiateNoAuth(t *testing.T) {
	conn := &scriptedConn{responses: []string{established + "hello"}}
	n := &Negotiator{}
	rw, err := n.Negotiate(context.Background(), conn, Destination{Host: "example.com"})
	require.NoError(t, err)
	require.Len(t, conn.requests, 1)
	assert.Equal(t, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n", conn.requests[0])
	assert.False(t, conn.closed)

	// bytes after the response belong to the tunnel
	b, err := io.ReadAll(rw)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestNegotiateCallerHeaders(t *testing.T) {
	conn := &scriptedConn{responses: []string{established}}
	n := &Negotiator{Headers: []Header{
		{Name: "host", Value: "proxy.local"},
		{Name: "User-Agent", Value: "proxytunnel"},
	}}
	_, err := n.Negotiate(context.Background(), conn, Destination{Host: "example.com", Port: 22})
	require.NoError(t, err)
	assert.Equal(t, "CONNECT example.com:22 HTTP/1.1\r\nhost: proxy.local\r\nUser-Agent: proxytunnel\r\n\r\n", conn.requests[0])
}

func TestNegotiateRetryBound(t *testing.T) {
	conn := &scriptedConn{responses: []string{digest407, digest407, digest407, digest407}}
	n := &Negotiator{Credentials: auth.Credentials{Username: "u", Password: "p"}}
	rw, err := n.Negotiate(context.Background(), conn, Destination{Host: "example.com", Port: 443})
	require.Error(t, err)
	assert.Nil(t, rw)
	assert.Len(t, conn.requests, MaxAttempts)
	assert.True(t, errors.Is(err, ErrAuthExhausted))
	assert.True(t, conn.closed)
	assert.Contains(t, err.Error(), "authentication failed")

	assert.Empty(t, authorization(t, conn.requests[0]))
	for _, req := range conn.requests[1:] {
		assert.True(t, strings.HasPrefix(authorization(t, req), `Digest username="u", realm="r", nonce="n", uri="/", qop="auth", nc=00000001, cnonce="`))
	}
}

func TestNegotiateDigest(t *testing.T) {
	conn := &scriptedConn{responses: []string{digest407, established}}
	logger, h := testLogger()
	n := &Negotiator{
		Credentials: auth.Credentials{Username: "u", Password: "p"},
		Rand:        bytes.NewReader([]byte{0, 0, 0, 0x2a}),
		Logger:      logger,
	}
	_, err := n.Negotiate(context.Background(), conn, Destination{Host: "example.com"})
	require.NoError(t, err)
	require.Len(t, conn.requests, 2)

	c, err := auth.ParseChallenge(`Digest realm="r", nonce="n", qop="auth"`)
	require.NoError(t, err)
	want, err := auth.DigestResponse(n.Credentials, c, "0000002a")
	require.NoError(t, err)
	assert.Equal(t, want, authorization(t, conn.requests[1]))

	last := h.Entries[len(h.Entries)-1]
	assert.Equal(t, "tunnel established", last.Message)
	assert.Equal(t, 200, last.Fields["status"])
}

func TestNegotiatePreemptiveBasic(t *testing.T) {
	conn := &scriptedConn{responses: []string{established}}
	n := &Negotiator{
		Credentials: auth.Credentials{Username: "alice", Password: "secret"},
		Scheme:      auth.SchemeBasic,
	}
	_, err := n.Negotiate(context.Background(), conn, Destination{Host: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Basic YWxpY2U6c2VjcmV0", authorization(t, conn.requests[0]))
}

func TestNegotiateNTLM(t *testing.T) {
	type2, err := hex.DecodeString("4e544c4d53535000" + "02000000" +
		"0000000030000000" + "01820000" + "0123456789abcdef" +
		"0000000000000000" + "0000000030000000")
	require.NoError(t, err)
	challenge := "HTTP/1.1 407 Proxy Authentication Required\r\n" +
		"Proxy-Authenticate: NTLM " + base64.StdEncoding.EncodeToString(type2) + "\r\n" +
		"Content-Length: 4\r\n\r\ndeny"
	conn := &scriptedConn{responses: []string{challenge, established}}
	n := &Negotiator{
		Credentials: auth.Credentials{Username: "user", Password: "pass", Domain: "DOM", Workstation: "WS"},
		Scheme:      auth.SchemeNTLM,
	}
	_, err = n.Negotiate(context.Background(), conn, Destination{Host: "example.com"})
	require.NoError(t, err)
	require.Len(t, conn.requests, 2)

	assert.Equal(t, "NTLM "+base64.StdEncoding.EncodeToString(ntlm.NegotiateMessage("DOM", "WS")), authorization(t, conn.requests[0]))

	type3, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authorization(t, conn.requests[1]), "NTLM "))
	require.NoError(t, err)
	assert.Equal(t, ntlm.Signature, type3[:8])
	assert.Equal(t, uint32(ntlm.TypeAuthenticate), binary.LittleEndian.Uint32(type3[8:12]))
}

func TestNegotiateUnsupportedChallenge(t *testing.T) {
	conn := &scriptedConn{responses: []string{
		"HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Negotiate\r\n\r\n",
		"HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Digest realm=\"unterminated\r\n\r\n",
		established,
	}}
	logger, h := testLogger()
	n := &Negotiator{Logger: logger}
	_, err := n.Negotiate(context.Background(), conn, Destination{Host: "example.com"})
	require.NoError(t, err)
	require.Len(t, conn.requests, 3)
	assert.Empty(t, authorization(t, conn.requests[1]))
	assert.Empty(t, authorization(t, conn.requests[2]))

	var kinds []interface{}
	for _, e := range h.Entries {
		if e.Message == "no authorization for next attempt" {
			kinds = append(kinds, e.Fields["kind"])
		}
	}
	assert.Equal(t, []interface{}{string(KindUnsupportedScheme), string(KindMalformedChallenge)}, kinds)
}

func TestNegotiateBadStatus(t *testing.T) {
	conn := &scriptedConn{responses: []string{"HTTP/1.1 502 Bad Gateway\r\nContent-Length: 3\r\n\r\nbad"}}
	n := &Negotiator{}
	_, err := n.Negotiate(context.Background(), conn, Destination{Host: "example.com"})
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindBadStatus, e.Kind)
	assert.Equal(t, 502, e.Code)
	assert.Equal(t, "connect example.com:443: invalid response code 502", e.Error())
	assert.True(t, conn.closed)
	assert.Len(t, conn.requests, 1)
}

func TestNegotiateMalformedResponse(t *testing.T) {
	conn := &scriptedConn{responses: []string{"HTTQ/1.1 200 OK\r\n\r\n"}}
	_, err := (&Negotiator{}).Negotiate(context.Background(), conn, Destination{Host: "example.com"})
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindMalformedResponse, e.Kind)
	var se *httpresp.SyntaxError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, int64(3), se.Offset)
	assert.Equal(t, byte('Q'), se.Byte)
	assert.True(t, conn.closed)
}

func TestNegotiateIncompleteResponse(t *testing.T) {
	conn := &scriptedConn{responses: []string{"HTTP/1.1 200 OK\r\n"}}
	_, err := (&Negotiator{}).Negotiate(context.Background(), conn, Destination{Host: "example.com"})
	assert.True(t, errors.Is(err, &Error{Kind: KindMalformedResponse}))
	assert.True(t, errors.Is(err, httpresp.ErrIncomplete))
	assert.True(t, conn.closed)
}

func TestNegotiateIOErrors(t *testing.T) {
	t.Run("write", func(t *testing.T) {
		conn := &scriptedConn{writeErr: errors.New("broken pipe")}
		_, err := (&Negotiator{}).Negotiate(context.Background(), conn, Destination{Host: "example.com"})
		assert.True(t, errors.Is(err, &Error{Kind: KindIO}))
		assert.True(t, conn.closed)
	})
	t.Run("read", func(t *testing.T) {
		conn := &scriptedConn{readErr: errors.New("connection reset")}
		_, err := (&Negotiator{}).Negotiate(context.Background(), conn, Destination{Host: "example.com"})
		assert.True(t, errors.Is(err, &Error{Kind: KindIO}))
		assert.Contains(t, err.Error(), "connection reset")
		assert.Len(t, conn.requests, 1)
		assert.True(t, conn.closed)
	})
}

func TestNegotiateCancel(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go io.Copy(io.Discard, server)

	ctx, cancel := context.WithCancel(context.Background())
	res := (&Negotiator{}).Start(ctx, client, Destination{Host: "example.com"})
	time.Sleep(10 * time.Millisecond)
	assert.Nil(t, res.Err())
	cancel()

	select {
	case <-res.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("negotiation was not cancelled")
	}
	assert.Nil(t, res.Conn())
	assert.True(t, errors.Is(res.Err(), &Error{Kind: KindIO}))
	assert.True(t, errors.Is(res.Err(), context.Canceled))
}

func TestResult(t *testing.T) {
	conn := &scriptedConn{responses: []string{established}}
	res := (&Negotiator{}).Start(context.Background(), conn, Destination{Host: "example.com"})
	rw, err := res.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, conn, rw)
	assert.Equal(t, conn, res.Conn())

	// completed once
	assert.False(t, res.complete(nil, errors.New("late")))
	assert.NoError(t, res.Err())
}

func TestParseDestination(t *testing.T) {
	tests := []struct {
		addr string
		want Destination
		str  string
	}{
		{addr: "example.com:22", want: Destination{Host: "example.com", Port: 22}, str: "example.com:22"},
		{addr: "example.com", want: Destination{Host: "example.com"}, str: "example.com:443"},
		{addr: "[::1]:8443", want: Destination{Host: "::1", Port: 8443}, str: "[::1]:8443"},
		{addr: "[::1]", want: Destination{Host: "::1"}, str: "[::1]:443"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			d, err := ParseDestination(tt.addr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
			assert.Equal(t, tt.str, d.String())
		})
	}
	for _, addr := range []string{"", ":22", "example.com:0", "example.com:http"} {
		_, err := ParseDestination(addr)
		assert.Error(t, err, addr)
	}
}

func TestKindFatal(t *testing.T) {
	assert.True(t, KindAuthExhausted.Fatal())
	assert.True(t, KindIO.Fatal())
	assert.False(t, KindMalformedChallenge.Fatal())
	assert.False(t, KindCryptoFailure.Fatal())
}
