// Package pac selects the upstream proxy for a destination with a proxy auto
// config file.
package pac

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackwakefield/gopac"
	"github.com/pkg/errors"
)

const lastModifiedFormat = "2006-01-02 15:04:05 GMT"

var noProxyTransport http.RoundTripper = &http.Transport{
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          0,
	IdleConnTimeout:       0 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

var noProxyClient = &http.Client{
	Transport: noProxyTransport,
}

// PAC is a proxy auto config file fetched from URL (file, http or https).
type PAC struct {
	URL          string
	parsed       *gopac.Parser
	etag         string
	lastModified time.Time
	mu           sync.Mutex
}

// ProxiesFor runs FindProxyForURL for a CONNECT to addr. A nil entry in the
// result means DIRECT.
func (r *PAC) ProxiesFor(addr string) ([]*url.URL, error) {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	// gopac.Parser.FindProxy is not concurrency safe
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parsed == nil {
		return nil, nil
	}
	result, err := r.parsed.FindProxy("https://"+addr+"/", host)
	if err != nil {
		return nil, errors.Wrapf(err, "FindProxyForURL(%s)", addr)
	}
	return parseResult(result)
}

// Proxy returns the first proxy chosen for addr, or nil for a direct
// connection.
func (r *PAC) Proxy(addr string) (*url.URL, error) {
	proxies, err := r.ProxiesFor(addr)
	if err != nil || len(proxies) == 0 {
		return nil, err
	}
	return proxies[0], nil
}

func (r *PAC) load(b []byte) error {
	parser := &gopac.Parser{}
	if err := parser.ParseBytes(b); err != nil {
		return errors.Wrap(err, "parse pac")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsed = parser
	return nil
}

// Refresh fetches the PAC file
// The boolean returned indicates if an update occurred
func (r *PAC) Refresh() (bool, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return false, errors.Wrap(err, "pac url")
	}
	switch u.Scheme {
	case "file", "":
		path := filepath.FromSlash(u.Path)
		stat, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		modified := stat.ModTime()
		if !modified.After(r.lastModified) {
			return false, nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return false, err
		}
		if err := r.load(b); err != nil {
			return false, err
		}
		r.lastModified = modified
		return true, nil
	case "http", "https":
		req, err := http.NewRequest(http.MethodGet, u.String(), nil)
		if err != nil {
			return false, err
		}
		if r.etag != "" {
			req.Header.Set("If-None-Match", r.etag)
		} else if !r.lastModified.IsZero() {
			req.Header.Set("If-Modified-Since", r.lastModified.Format(lastModifiedFormat))
		}
		resp, err := noProxyClient.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, err
		}
		switch resp.StatusCode {
		case http.StatusNotModified:
			return false, nil
		case http.StatusOK:
			if err := r.load(b); err != nil {
				return false, err
			}
			r.etag = resp.Header.Get("ETag")
			if lm := resp.Header.Get("Last-Modified"); lm != "" {
				if date, err := time.Parse(lastModifiedFormat, lm); err == nil {
					r.lastModified = date
				}
			}
			return true, nil
		default:
			return false, errors.Errorf("GET '%v': %s\n%s", u, resp.Status, string(b))
		}
	}
	return false, errors.Errorf("pac url '%s': unsupported scheme", r.URL)
}

// parseResult parses "PROXY host:port; HTTPS host:port; DIRECT".
func parseResult(result string) ([]*url.URL, error) {
	var proxies []*url.URL
	for _, p := range strings.Split(result, ";") {
		fields := strings.Fields(p)
		if len(fields) == 0 {
			continue
		}
		var scheme string
		switch strings.ToUpper(fields[0]) {
		case "DIRECT":
			proxies = append(proxies, nil)
			continue
		case "PROXY", "HTTP":
			scheme = "http"
		case "HTTPS":
			scheme = "https"
		default:
			// SOCKS and friends cannot carry a CONNECT
			continue
		}
		if len(fields) < 2 {
			return nil, errors.Errorf("pac result '%s': missing host", strings.TrimSpace(p))
		}
		u, err := url.Parse(scheme + "://" + fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "pac result '%s'", strings.TrimSpace(p))
		}
		proxies = append(proxies, u)
	}
	return proxies, nil
}
