package testing

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"goa.design/clue/log"
)

// start is the reference for the elapsed times printed by FormatTerminal.
var start = time.Now()

// Buffer collects log output written concurrently by the code under test.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewTestContext returns a context carrying a debug clue logger. Output uses
// FormatTerminal when stderr is a terminal.
func NewTestContext(t *testing.T) context.Context {
	t.Helper()
	opts := []log.LogOption{log.WithDebug()}
	if log.IsTerminal() {
		opts = append(opts, log.WithFormat(FormatTerminal))
	}
	return log.Context(context.Background(), opts...)
}

// NewBufferedLogContext returns a context whose logger writes unbuffered
// text entries to the returned Buffer.
func NewBufferedLogContext(t *testing.T) (context.Context, *Buffer) {
	t.Helper()
	buf := new(Buffer)
	ctx := log.Context(context.Background(),
		log.WithOutput(buf),
		log.WithFormat(log.FormatText),
		log.WithDebug())
	log.FlushAndDisableBuffering(ctx)
	return ctx, buf
}

// FormatTerminal renders an entry as a colored severity code followed by the
// milliseconds elapsed since the test binary started and the key/value pairs.
func FormatTerminal(e *log.Entry) []byte {
	const plain = "\033[0m"
	color := e.Severity.Color()
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s%s%s[%05d]", color, e.Severity.Code(), plain, e.Time.Sub(start).Milliseconds())
	for _, kv := range e.KeyVals {
		fmt.Fprintf(&b, " %s%s%s=%v", color, kv.K, plain, kv.V)
	}
	b.WriteByte('\n')
	return b.Bytes()
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything written so far.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
