package auth

import (
	"encoding/base64"
	"strings"

	"github.com/justenwalker/proxytunnel/ntlm"
	"github.com/pkg/errors"
)

// ErrUnexpectedEnd is returned for a challenge that stops in the middle of a
// parameter.
var ErrUnexpectedEnd = errors.New("unexpected end of string")

// Challenge is a parsed Proxy-Authenticate header value.
type Challenge struct {
	Scheme Scheme
	// Name is the lower-cased scheme token, kept for unknown schemes.
	Name string
	// Params holds Basic and Digest parameters with lower-cased names.
	Params map[string]string
	// NTLM is the decoded Type 2 message; nil for a bare "NTLM" challenge.
	NTLM *ntlm.ChallengeMessage
}

// Param returns a parameter value and whether it is present and non-empty.
func (c *Challenge) Param(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.Params[name]
	return v, ok && v != ""
}

// ParseChallenge parses a Proxy-Authenticate header value. It returns nil
// without error for an empty value. Unknown schemes are not an error; the
// returned challenge simply has SchemeUnknown and no parameters.
func ParseChallenge(value string) (*Challenge, error) {
	if value == "" {
		return nil, nil
	}
	name, rest := nextToken(value)
	if name == "" {
		return nil, ErrUnexpectedEnd
	}
	c := &Challenge{
		Name:   strings.ToLower(name),
		Scheme: ParseScheme(name),
		Params: make(map[string]string),
	}
	switch c.Scheme {
	case SchemeBasic, SchemeDigest:
		params, err := parseParams(rest)
		if err != nil {
			return nil, errors.Wrapf(err, "%s challenge", c.Name)
		}
		c.Params = params
	case SchemeNTLM:
		blob, _ := nextToken(rest)
		if blob == "" {
			return c, nil
		}
		data, err := decodeBase64(blob)
		if err != nil {
			return nil, errors.Wrap(err, "ntlm challenge")
		}
		if c.NTLM, err = ntlm.ParseChallengeMessage(data); err != nil {
			return nil, errors.Wrap(err, "ntlm challenge")
		}
	}
	return c, nil
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t'
}

// nextToken skips leading blanks and returns the run of non-blank bytes
// that follows, plus everything after it.
func nextToken(s string) (token, rest string) {
	i := 0
	for i < len(s) && isBlank(s[i]) {
		i++
	}
	start := i
	for i < len(s) && !isBlank(s[i]) {
		i++
	}
	return s[start:i], s[i:]
}

func decodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}
	// padding is optional
	if b, rerr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rerr == nil {
		return b, nil
	}
	return nil, errors.Wrap(err, "base64")
}

type paramState int

const (
	paramNameStart paramState = iota
	paramName
	paramValueStart
	paramValue
	paramValueEnd
)

// parseParams parses a comma separated list of name=value pairs. Values are
// either double-quoted and taken verbatim, or a token ending at a blank or
// comma.
func parseParams(s string) (map[string]string, error) {
	params := make(map[string]string)
	var (
		st     = paramNameStart
		sb     strings.Builder
		name   string
		quoted bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch st {
		case paramNameStart:
			if !isBlank(c) && c != ',' {
				sb.WriteByte(c)
				st = paramName
			}
		case paramName:
			if c == '=' {
				name = strings.ToLower(strings.TrimSpace(sb.String()))
				sb.Reset()
				st = paramValueStart
			} else {
				sb.WriteByte(c)
			}
		case paramValueStart:
			switch {
			case c == '"':
				quoted = true
				st = paramValue
			case c == ',':
				params[name] = ""
				st = paramNameStart
			case !isBlank(c):
				quoted = false
				sb.WriteByte(c)
				st = paramValue
			}
		case paramValue:
			if (quoted && c == '"') || (!quoted && (isBlank(c) || c == ',')) {
				params[name] = sb.String()
				sb.Reset()
				st = paramValueEnd
				if c == ',' {
					st = paramNameStart
				}
			} else {
				sb.WriteByte(c)
			}
		case paramValueEnd:
			if c == ',' {
				st = paramNameStart
			}
		}
	}
	if st == paramValue && !quoted {
		params[name] = sb.String()
		st = paramValueEnd
	}
	if st != paramValueEnd && st != paramNameStart {
		return nil, ErrUnexpectedEnd
	}
	return params, nil
}
