package auth

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
)

// ErrUnsupportedScheme is returned when asked to answer a scheme without a
// responder.
var ErrUnsupportedScheme = errors.New("unsupported authentication scheme")

// CryptoError wraps a failure of the hashing or cipher primitives behind a
// response. No header can be produced for that round.
type CryptoError struct {
	Err error
}

func (e *CryptoError) Error() string {
	return "crypto failure: " + e.Err.Error()
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Responder produces Proxy-Authorization values for a set of credentials.
type Responder struct {
	Credentials Credentials
	// NTLMv2 answers NTLM challenges with NTLMv2 responses instead of the
	// LM and NT challenge responses.
	NTLMv2 bool
	// Rand is the source of Digest client nonces. Defaults to crypto/rand.
	Rand io.Reader
}

func (r *Responder) rand() io.Reader {
	if r.Rand == nil {
		return rand.Reader
	}
	return r.Rand
}

// Preemptive returns the value to send before any challenge was seen. Only
// Basic and the NTLM negotiate message qualify.
func (r *Responder) Preemptive(scheme Scheme) (string, error) {
	if !scheme.Preemptive() {
		return "", errors.Wrapf(ErrUnsupportedScheme, "%s cannot be sent pre-emptively", scheme)
	}
	return r.Respond(&Challenge{Scheme: scheme, Name: scheme.String()})
}

// Respond answers the challenge. The error tells why no value could be
// produced: ErrUnsupportedScheme, ErrMissingParams, ErrUnsupportedAlgorithm
// or a *CryptoError.
func (r *Responder) Respond(c *Challenge) (string, error) {
	if c == nil {
		return "", errors.Wrap(ErrUnsupportedScheme, "no challenge")
	}
	switch c.Scheme {
	case SchemeBasic:
		return BasicResponse(r.Credentials), nil
	case SchemeDigest:
		cnonce, err := newClientNonce(r.rand())
		if err != nil {
			return "", err
		}
		return DigestResponse(r.Credentials, c, cnonce)
	case SchemeNTLM:
		return NTLMResponse(r.Credentials, c, r.NTLMv2)
	}
	return "", errors.Wrap(ErrUnsupportedScheme, c.Name)
}
