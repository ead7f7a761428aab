package tunnel

import (
	"bytes"
	"strings"
)

// Header is a request header sent with every CONNECT as given.
type Header struct {
	Name  string
	Value string
}

func hasHeader(headers []Header, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// buildRequest writes a CONNECT request for dest. Host is only added when
// headers lack one. An empty authorization adds no Proxy-Authorization.
func buildRequest(dest Destination, headers []Header, authorization string) []byte {
	addr := dest.String()
	b := &bytes.Buffer{}
	b.WriteString("CONNECT ")
	b.WriteString(addr)
	b.WriteString(" HTTP/1.1\r\n")
	for _, h := range headers {
		writeHeader(b, h.Name, h.Value)
	}
	if !hasHeader(headers, "Host") {
		writeHeader(b, "Host", addr)
	}
	if authorization != "" {
		writeHeader(b, "Proxy-Authorization", authorization)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func writeHeader(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}
