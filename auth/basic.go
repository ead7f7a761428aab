package auth

import (
	"bytes"
	"encoding/base64"
	"strings"
)

// BasicResponse returns the Basic credentials for creds. No challenge is
// needed, so it can be sent pre-emptively.
func BasicResponse(creds Credentials) string {
	sb := &strings.Builder{}
	sb.WriteString("Basic ")
	n := len(creds.Username) + len(creds.Password) + 1
	userpass := bytes.NewBuffer(make([]byte, 0, n))
	userpass.WriteString(creds.Username)
	userpass.WriteByte(':')
	userpass.WriteString(creds.Password)
	sb.WriteString(base64.StdEncoding.EncodeToString(userpass.Bytes()))
	return sb.String()
}
