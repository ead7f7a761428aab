// Package tunnel asks an HTTP proxy to open a CONNECT tunnel and answers its
// authentication challenges.
package tunnel

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/pkg/errors"

	"github.com/justenwalker/proxytunnel/auth"
	"github.com/justenwalker/proxytunnel/httpresp"
)

// MaxAttempts bounds the CONNECT round trips of one negotiation.
const MaxAttempts = 3

// State is a step of the negotiation.
type State int

const (
	StateIdle State = iota
	StateSendRequest
	StateAwaitResponse
	StateChallenged
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSendRequest:
		return "send-request"
	case StateAwaitResponse:
		return "await-response"
	case StateChallenged:
		return "challenged"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

var discardLogger = &log.Logger{Handler: discard.New(), Level: log.ErrorLevel}

// Negotiator opens CONNECT tunnels over connections to a proxy. It holds no
// per-connection state and may be shared.
type Negotiator struct {
	Credentials auth.Credentials
	// Scheme sends credentials with the first request. Only Basic and NTLM
	// can be sent before a challenge.
	Scheme auth.Scheme
	// NTLMv2 answers NTLM challenges with NTLMv2 responses.
	NTLMv2 bool
	// Headers are added to every CONNECT request.
	Headers []Header
	// Rand is the source of Digest client nonces. Defaults to crypto/rand.
	Rand   io.Reader
	Logger log.Interface
}

func (n *Negotiator) logger() log.Interface {
	if n.Logger == nil {
		return discardLogger
	}
	return n.Logger
}

// Start negotiates in a new goroutine and returns the handle its outcome is
// delivered on.
func (n *Negotiator) Start(ctx context.Context, rw io.ReadWriteCloser, dest Destination) *Result {
	r := newResult()
	go func() {
		r.complete(n.Negotiate(ctx, rw, dest))
	}()
	return r
}

// Negotiate sends CONNECT requests for dest over rw until the proxy accepts
// one, answering up to MaxAttempts-1 authentication challenges. On success
// the returned stream carries the tunnel. On failure rw is closed and the
// error is an *Error. Cancelling ctx closes rw.
func (n *Negotiator) Negotiate(ctx context.Context, rw io.ReadWriteCloser, dest Destination) (io.ReadWriteCloser, error) {
	s := &session{
		Negotiator: n,
		dest:       dest,
		rw:         rw,
		log:        n.logger().WithField("dest", dest.String()),
		responder: &auth.Responder{
			Credentials: n.Credentials,
			NTLMv2:      n.NTLMv2,
			Rand:        n.Rand,
		},
	}
	stop := closeOnDone(ctx, rw)
	resp, rest, err := s.run()
	if stop() {
		err = newIOError("negotiation cancelled", ctx.Err())
	}
	if err == nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		err = newBadStatusError(resp.StatusCode)
	}
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Dest == "" {
			e.Dest = dest.String()
		}
		rw.Close()
		s.enter(StateFailed)
		s.log.WithError(err).Warn("tunnel failed")
		return nil, err
	}
	s.enter(StateSuccess)
	s.log.WithField("status", resp.StatusCode).Info("tunnel established")
	return withRest(rw, rest), nil
}

type session struct {
	*Negotiator
	dest      Destination
	rw        io.ReadWriter
	log       log.Interface
	state     State
	responder *auth.Responder
}

func (s *session) enter(st State) {
	s.log.WithFields(log.Fields{"from": s.state, "to": st}).Debug("state")
	s.state = st
}

// nonFatal logs a failure that only leaves the next request without
// credentials.
func (s *session) nonFatal(entry log.Interface, kind Kind, err error) {
	entry.WithField("kind", string(kind)).WithError(err).Warn("no authorization for next attempt")
}

func (s *session) run() (*httpresp.Response, []byte, error) {
	var authorization string
	if s.Scheme != auth.SchemeUnknown {
		v, err := s.responder.Preemptive(s.Scheme)
		if err != nil {
			s.nonFatal(s.log, kindOf(err), err)
		}
		authorization = v
	}
	for attempt := 1; ; attempt++ {
		entry := s.log.WithField("attempt", attempt)

		s.enter(StateSendRequest)
		req := buildRequest(s.dest, s.Headers, authorization)
		entry.WithField("scheme", authScheme(authorization)).Debug("> CONNECT")
		if _, err := s.rw.Write(req); err != nil {
			return nil, nil, newIOError("write request", err)
		}

		s.enter(StateAwaitResponse)
		r := &readErrors{r: s.rw}
		resp, rest, err := httpresp.Read(r)
		if err != nil {
			if r.err != nil {
				return nil, nil, newIOError("receive response", err)
			}
			return nil, nil, newMalformedResponseError(err)
		}
		trace(entry, resp)
		if resp.StatusCode != http.StatusProxyAuthRequired {
			return resp, rest, nil
		}
		if attempt == MaxAttempts {
			return nil, nil, newAuthExhaustedError()
		}

		s.enter(StateChallenged)
		authorization = s.answer(entry, resp)
	}
}

// answer returns the Proxy-Authorization for the next attempt, or "" when
// the challenge cannot be answered.
func (s *session) answer(entry log.Interface, resp *httpresp.Response) string {
	c, err := auth.ParseChallenge(resp.Get("proxy-authenticate"))
	if err != nil {
		s.nonFatal(entry, KindMalformedChallenge, err)
		return ""
	}
	if c == nil {
		s.nonFatal(entry, KindUnsupportedScheme, errors.New("no proxy-authenticate header"))
		return ""
	}
	v, err := s.responder.Respond(c)
	if err != nil {
		s.nonFatal(entry.WithField("scheme", c.Name), kindOf(err), err)
		return ""
	}
	return v
}

func kindOf(err error) Kind {
	var ce *auth.CryptoError
	switch {
	case errors.As(err, &ce):
		return KindCryptoFailure
	case errors.Is(err, auth.ErrMissingParams):
		return KindMalformedChallenge
	}
	return KindUnsupportedScheme
}

// authScheme returns the scheme of a Proxy-Authorization value without the
// credentials.
func authScheme(authorization string) string {
	if authorization == "" {
		return "none"
	}
	if i := strings.IndexByte(authorization, ' '); i > 0 {
		return authorization[:i]
	}
	return authorization
}

func trace(entry log.Interface, resp *httpresp.Response) {
	entry.WithFields(log.Fields{
		"status": resp.StatusCode,
		"reason": resp.Reason,
	}).Debug("< " + resp.Proto)
	for name, value := range resp.Header {
		entry.Debugf("< %s: %s", name, value)
	}
}
