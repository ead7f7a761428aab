// Package httpresp decodes the response a proxy sends back for a CONNECT
// request. The parser is fed raw bytes in chunks of any size and never reads
// past the end of the response, so whatever follows stays with the tunnel.
package httpresp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrFinished is returned when bytes are fed to a parser that already
	// reached its terminal state.
	ErrFinished = errors.New("parser is finished")
	// ErrNotFinished is returned when the decoded response is requested
	// before the parser reached its terminal state.
	ErrNotFinished = errors.New("parsing is not finished")
)

// SyntaxError reports the first byte the parser could not accept.
type SyntaxError struct {
	Offset   int64
	Byte     byte
	Expected string // empty when a bare line terminator was found
}

func (e *SyntaxError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("unexpected EOL byte at position %d", e.Offset)
	}
	return fmt.Sprintf("unexpected byte at position %d: expected %s, found %q", e.Offset, e.Expected, e.Byte)
}

// Response is a fully decoded proxy response.
type Response struct {
	// Version is the protocol version after the slash, e.g. "1.1".
	Version string
	// Proto is the full protocol token, e.g. "HTTP/1.1".
	Proto      string
	StatusCode int
	Reason     string
	// Header maps lower-cased names to the value of their last occurrence.
	Header map[string]string
	// Body is nil unless a positive content-length was announced.
	Body []byte
}

// Get returns the value of the named header, ignoring case.
func (r *Response) Get(name string) string {
	return r.Header[strings.ToLower(name)]
}

type state int

const (
	stateVersionH state = iota
	stateVersionT1
	stateVersionT2
	stateVersionP
	stateVersionSlash
	stateVersion
	stateStatusCodeStart
	stateStatusCode
	stateStatusMessageStart
	stateStatusMessage
	stateStatusLF
	stateHeaderName
	stateHeaderValueStart
	stateHeaderValue
	stateHeaderLF
	stateHeadersEndLF
	stateContent
	stateFinished
)

// literal bytes of the protocol token, keyed by the state expecting them
var versionLiterals = map[state]struct {
	b    byte
	next state
}{
	stateVersionH:     {'H', stateVersionT1},
	stateVersionT1:    {'T', stateVersionT2},
	stateVersionT2:    {'T', stateVersionP},
	stateVersionP:     {'P', stateVersionSlash},
	stateVersionSlash: {'/', stateVersion},
}

// Parser is a single-use state machine. Construct a new one for every
// response; it is not safe for concurrent use.
type Parser struct {
	state     state
	pos       int64
	buf       bytes.Buffer
	name      string
	remaining int
	err       error
	resp      Response
}

// NewParser returns a parser positioned before the first byte of a response.
func NewParser() *Parser {
	return &Parser{
		resp: Response{Header: make(map[string]string)},
	}
}

// Finished reports whether the terminal state was reached.
func (p *Parser) Finished() bool {
	return p.state == stateFinished
}

// Response returns the decoded response, or ErrNotFinished.
func (p *Parser) Response() (*Response, error) {
	if p.state != stateFinished {
		return nil, ErrNotFinished
	}
	return &p.resp, nil
}

// Feed advances the parser over data. It returns the number of bytes
// consumed, which is less than len(data) only when the response ended inside
// the chunk or a syntax error occurred.
func (p *Parser) Feed(data []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.state == stateFinished {
		return 0, ErrFinished
	}
	i := 0
	for i < len(data) && p.state != stateFinished {
		if p.state == stateContent {
			n := p.remaining
			if n > len(data)-i {
				n = len(data) - i
			}
			p.buf.Write(data[i : i+n])
			p.remaining -= n
			p.pos += int64(n)
			i += n
			if p.remaining == 0 {
				p.resp.Body = append([]byte(nil), p.buf.Bytes()...)
				p.buf.Reset()
				p.state = stateFinished
			}
			continue
		}
		if err := p.step(data[i]); err != nil {
			p.err = err
			return i, err
		}
		p.pos++
		i++
	}
	return i, nil
}

func (p *Parser) unexpected(c byte, expected string) error {
	return &SyntaxError{Offset: p.pos, Byte: c, Expected: expected}
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t'
}

func (p *Parser) take() string {
	s := p.buf.String()
	p.buf.Reset()
	return s
}

func (p *Parser) step(c byte) error {
	switch p.state {
	case stateVersionH, stateVersionT1, stateVersionT2, stateVersionP, stateVersionSlash:
		lit := versionLiterals[p.state]
		if c != lit.b {
			return p.unexpected(c, fmt.Sprintf("%q", lit.b))
		}
		p.state = lit.next
	case stateVersion:
		switch {
		case c == '\r' || c == '\n':
			return p.unexpected(c, "")
		case isBlank(c):
			p.resp.Version = p.take()
			p.resp.Proto = "HTTP/" + p.resp.Version
			p.state = stateStatusCodeStart
		default:
			p.buf.WriteByte(c)
		}
	case stateStatusCodeStart:
		switch {
		case c == '\r' || c == '\n':
			return p.unexpected(c, "")
		case isBlank(c):
		case c >= '0' && c <= '9':
			p.buf.WriteByte(c)
			p.state = stateStatusCode
		default:
			return p.unexpected(c, "digit")
		}
	case stateStatusCode:
		switch {
		case c == '\n':
			return p.unexpected(c, "")
		case c == '\r':
			if err := p.setStatusCode(); err != nil {
				return err
			}
			p.state = stateStatusLF
		case isBlank(c):
			if err := p.setStatusCode(); err != nil {
				return err
			}
			p.state = stateStatusMessageStart
		case c >= '0' && c <= '9':
			p.buf.WriteByte(c)
		default:
			return p.unexpected(c, "digit")
		}
	case stateStatusMessageStart:
		switch {
		case c == '\n':
			return p.unexpected(c, "")
		case c == '\r':
			p.state = stateStatusLF
		case isBlank(c):
		default:
			p.buf.WriteByte(c)
			p.state = stateStatusMessage
		}
	case stateStatusMessage:
		switch c {
		case '\n':
			return p.unexpected(c, "")
		case '\r':
			p.resp.Reason = strings.TrimRight(p.take(), " \t")
			p.state = stateStatusLF
		default:
			p.buf.WriteByte(c)
		}
	case stateStatusLF:
		if c != '\n' {
			return p.unexpected(c, `'\n'`)
		}
		p.state = stateHeaderName
	case stateHeaderName:
		switch c {
		case '\n':
			return p.unexpected(c, "")
		case '\r':
			if p.buf.Len() > 0 {
				return p.unexpected(c, "':'")
			}
			p.state = stateHeadersEndLF
		case ':':
			p.name = strings.ToLower(strings.TrimSpace(p.take()))
			p.state = stateHeaderValueStart
		default:
			p.buf.WriteByte(c)
		}
	case stateHeaderValueStart:
		switch {
		case c == '\n':
			return p.unexpected(c, "")
		case c == '\r':
			if err := p.setHeader(""); err != nil {
				return err
			}
			p.state = stateHeaderLF
		case isBlank(c):
		default:
			p.buf.WriteByte(c)
			p.state = stateHeaderValue
		}
	case stateHeaderValue:
		switch c {
		case '\n':
			return p.unexpected(c, "")
		case '\r':
			if err := p.setHeader(strings.TrimRight(p.take(), " \t")); err != nil {
				return err
			}
			p.state = stateHeaderLF
		default:
			p.buf.WriteByte(c)
		}
	case stateHeaderLF:
		if c != '\n' {
			return p.unexpected(c, `'\n'`)
		}
		p.name = ""
		p.state = stateHeaderName
	case stateHeadersEndLF:
		if c != '\n' {
			return p.unexpected(c, `'\n'`)
		}
		if p.remaining > 0 {
			p.state = stateContent
		} else {
			p.state = stateFinished
		}
	default:
		return errors.Errorf("invalid parser state %d", p.state)
	}
	return nil
}

func (p *Parser) setStatusCode() error {
	s := p.take()
	code, err := strconv.Atoi(s)
	if err != nil {
		return errors.Wrapf(err, "invalid status code %q", s)
	}
	p.resp.StatusCode = code
	return nil
}

func (p *Parser) setHeader(value string) error {
	p.resp.Header[p.name] = value
	if p.name != "content-length" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return errors.Wrapf(err, "invalid content-length %q", value)
	}
	if n < 0 {
		n = 0
	}
	p.remaining = n
	return nil
}
