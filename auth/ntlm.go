package auth

import (
	"encoding/base64"

	"github.com/Azure/go-ntlmssp"
	"github.com/justenwalker/proxytunnel/ntlm"
)

// NTLMResponse answers an NTLM challenge. Without a Type 2 message it returns
// the negotiate message that opens the handshake; otherwise the authenticate
// message for the server challenge. When v2 is set the authenticate message
// carries NTLMv2 responses built by go-ntlmssp.
func NTLMResponse(creds Credentials, c *Challenge, v2 bool) (string, error) {
	if c == nil || c.NTLM == nil {
		return "NTLM " + base64.StdEncoding.EncodeToString(ntlm.NegotiateMessage(creds.Domain, creds.Workstation)), nil
	}
	var (
		msg []byte
		err error
	)
	if v2 {
		msg, err = ntlmssp.ProcessChallenge(c.NTLM.Raw, creds.Username, creds.Password)
	} else {
		domain := creds.Domain
		if d, ok := c.NTLM.AttributeString(ntlm.AVDomainName); ok {
			domain = d
		}
		msg, err = ntlm.AuthenticateMessage(c.NTLM, creds.Username, creds.Password, domain, creds.Workstation)
	}
	if err != nil {
		return "", &CryptoError{Err: err}
	}
	return "NTLM " + base64.StdEncoding.EncodeToString(msg), nil
}
