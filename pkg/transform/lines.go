package transform

import "bytes"

// lineWriter builds a rewritten file while recording, for every output line,
// the input line it came from
type lineWriter struct {
	buf   bytes.Buffer
	in    int
	lines []int
}

func newLineWriter() *lineWriter {
	return &lineWriter{lines: []int{0}}
}

// copy writes bytes taken from the input
func (w *lineWriter) copy(b []byte) {
	for _, c := range b {
		w.buf.WriteByte(c)
		if c == '\n' {
			w.in++
			w.lines = append(w.lines, w.in)
		}
	}
}

// skip consumes input bytes without writing them
func (w *lineWriter) skip(b []byte) {
	w.in += bytes.Count(b, []byte{'\n'})
}

// Write writes generated bytes, attributed to the current input line
func (w *lineWriter) Write(b []byte) (int, error) {
	for _, c := range b {
		w.buf.WriteByte(c)
		if c == '\n' {
			w.lines = append(w.lines, w.in)
		}
	}
	return len(b), nil
}

func (w *lineWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *lineWriter) Bytes() []byte {
	return w.buf.Bytes()
}
