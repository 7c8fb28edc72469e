// CLAUDE:SUMMARY Writes watch events as JSON lines to an io.Writer (defaults to stdout).
package notify

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// Stdout writes JSON lines to an io.Writer (default os.Stdout).
type Stdout struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{w: w, enc: json.NewEncoder(w)}
}

func (s *Stdout) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ev)
}

func (s *Stdout) Close() error { return nil }
