package vm

import (
	"bytes"
	"sync"
)

// TruncatedMarker is appended to output that hit its limit.
const TruncatedMarker = "\n[output truncated]\n"

// Output collects what a script prints, up to a byte limit. A limit of zero
// keeps everything.
type Output struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func NewOutput(limit int) *Output {
	return &Output{limit: limit}
}

func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.limit > 0 && o.buf.Len()+len(p) > o.limit {
		if room := o.limit - o.buf.Len(); room > 0 {
			o.buf.Write(p[:room])
		}
		o.truncated = true
		return len(p), nil
	}
	o.buf.Write(p)
	return len(p), nil
}

func (o *Output) WriteString(s string) (int, error) {
	return o.Write([]byte(s))
}

func (o *Output) Reset() {
	o.mu.Lock()
	o.buf.Reset()
	o.truncated = false
	o.mu.Unlock()
}

func (o *Output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.truncated {
		return o.buf.String() + TruncatedMarker
	}
	return o.buf.String()
}
