package logging

import (
	"strings"
	"sync"

	"github.com/apex/log"
)

// LogWriter implements the io.Writer interface by passing each line to the logger after it hits a line break ('\n').
// It lets libraries that only know the standard "log" package write through apex/log.
type LogWriter struct {
	logger log.Interface
	mu     sync.Mutex
	sb     *strings.Builder
}

// NewLogWriter creates a LogWriter using the logger provided
func NewLogWriter(logger log.Interface) *LogWriter {
	return &LogWriter{
		logger: logger,
		sb:     &strings.Builder{},
	}
}

// Writes to the string buffer, and passes each line to the logger after it reaches a new line
func (w *LogWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range p {
		if c == '\n' { // Print log line
			w.logger.Debug(w.sb.String())
			w.sb.Reset()
		} else {
			w.sb.WriteByte(c)
		}
		n++
	}
	return
}

// Flush a pending partial line out and empty the buffer
func (w *LogWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sb.Len() > 0 {
		w.logger.Debug(w.sb.String())
		w.sb.Reset()
	}
	return nil
}
