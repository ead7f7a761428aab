package httpresp

import (
	"io"

	"github.com/pkg/errors"
)

// ReadBufferSize is the size of each blocking read performed by Read.
const ReadBufferSize = 128

// ErrIncomplete is returned when the stream ends before the response does.
var ErrIncomplete = errors.New("incomplete response")

// Read performs blocking reads on r until a complete response was parsed.
// Any bytes read past the end of the response are returned as rest.
func Read(r io.Reader) (resp *Response, rest []byte, err error) {
	p := NewParser()
	buf := make([]byte, ReadBufferSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			used, err := p.Feed(buf[:n])
			if err != nil {
				return nil, nil, err
			}
			if p.Finished() {
				if used < n {
					rest = append(rest, buf[used:n]...)
				}
				resp, _ = p.Response()
				return resp, rest, nil
			}
		}
		if rerr == io.EOF {
			return nil, nil, ErrIncomplete
		}
		if rerr != nil {
			return nil, nil, errors.Wrap(rerr, "read response")
		}
	}
}
