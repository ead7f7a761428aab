package auth

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const (
	// digestMethod and digestURI are fixed: Digest is only ever answered
	// for the CONNECT request of the tunnel.
	digestMethod = "CONNECT"
	digestURI    = "/"
	// digestNonceCount is always the first use of the server nonce, since
	// every attempt answers a fresh challenge.
	digestNonceCount = "00000001"
)

var (
	// ErrMissingParams is returned when a challenge lacks a parameter the
	// scheme needs.
	ErrMissingParams = errors.New("challenge is missing parameters")
	// ErrUnsupportedAlgorithm is returned for Digest algorithms other than MD5.
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
	// ErrInvalidCredentials is returned when a user name cannot be sent in a
	// header.
	ErrInvalidCredentials = errors.New("user name contains a line break")
)

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// quote renders s as a quoted-string.
func quote(s string) string {
	return `"` + quoteEscaper.Replace(s) + `"`
}

// newClientNonce returns 8 hex digits read from r.
func newClientNonce(r io.Reader) (string, error) {
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return "", &CryptoError{Err: errors.Wrap(err, "client nonce")}
	}
	return fmt.Sprintf("%08x", v), nil
}

func md5Hex(parts ...string) string {
	h := md5.New()
	io.WriteString(h, strings.Join(parts, ":"))
	return hex.EncodeToString(h.Sum(nil))
}

// digest computes the qop response hash defined by RFC 2617.
func digest(creds Credentials, realm, nonce, qop, nc, cnonce string) string {
	ha1 := md5Hex(creds.Username, realm, creds.Password)
	ha2 := md5Hex(digestMethod, digestURI)
	return md5Hex(ha1, nonce, nc, cnonce, qop, ha2)
}

// selectQop picks "auth" out of a qop list, or else its first entry.
func selectQop(qop string) string {
	opts := strings.Split(qop, ",")
	for _, o := range opts {
		if strings.TrimSpace(o) == "auth" {
			return "auth"
		}
	}
	return strings.TrimSpace(opts[0])
}

// DigestResponse answers a Digest challenge. The realm, nonce and qop
// parameters are required.
func DigestResponse(creds Credentials, c *Challenge, cnonce string) (string, error) {
	if strings.ContainsAny(creds.Username, "\r\n") {
		return "", ErrInvalidCredentials
	}
	realm, ok1 := c.Param("realm")
	nonce, ok2 := c.Param("nonce")
	qop, ok3 := c.Param("qop")
	if !ok1 || !ok2 || !ok3 {
		return "", errors.Wrap(ErrMissingParams, "digest needs realm, nonce and qop")
	}
	algorithm, hasAlgorithm := c.Param("algorithm")
	if hasAlgorithm && !strings.EqualFold(algorithm, "MD5") {
		return "", errors.Wrap(ErrUnsupportedAlgorithm, algorithm)
	}
	qop = selectQop(qop)
	response := digest(creds, realm, nonce, qop, digestNonceCount, cnonce)

	sb := &strings.Builder{}
	fmt.Fprintf(sb, `Digest username=%s, realm=%s, nonce=%s, uri=%s, qop=%s, nc=%s, cnonce=%s, response=%s`,
		quote(creds.Username), quote(realm), quote(nonce), quote(digestURI), quote(qop), digestNonceCount, quote(cnonce), quote(response))
	if opaque, ok := c.Param("opaque"); ok {
		fmt.Fprintf(sb, `, opaque=%s`, quote(opaque))
	}
	if hasAlgorithm {
		sb.WriteString(", algorithm=MD5")
	}
	return sb.String(), nil
}
