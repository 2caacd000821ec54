// Package diag accumulates recoverable warnings across pipeline stages,
// keeping them out of the error path so they never mask a real failure.
package diag

import (
	"fmt"
	"io"
)

// Codes for recoverable conditions.
const (
	UnpairedEvent   = "unpaired-event"
	DroppedTrack    = "dropped-track"
	DroppedNote     = "dropped-note"
	PitchOutOfRange = "pitch-out-of-range"
	ChunkAbandoned  = "chunk-abandoned"
	MapperPromoted  = "mapper-promoted"
	Recompressed    = "recompressed"
)

type Diagnostic struct {
	Stage   string
	Code    string
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: [%s] %s", d.Stage, d.Code, d.Message)
}

// List is an append-only diagnostics accumulator. The zero value is ready
// to use.
type List struct {
	items []Diagnostic
}

func (l *List) Addf(stage, code, format string, args ...interface{}) {
	l.items = append(l.items, Diagnostic{Stage: stage, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (l *List) Merge(other *List) {
	if other != nil {
		l.items = append(l.items, other.items...)
	}
}

func (l *List) Items() []Diagnostic {
	return l.items
}

func (l *List) Len() int {
	return len(l.items)
}

// Count returns how many diagnostics carry the given code.
func (l *List) Count(code string) int {
	n := 0
	for _, d := range l.items {
		if d.Code == code {
			n++
		}
	}
	return n
}

func (l *List) Print(w io.Writer) {
	for _, d := range l.items {
		fmt.Fprintf(w, "  %s\n", d)
	}
}
