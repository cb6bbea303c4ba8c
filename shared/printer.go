package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.WriteCloser
}

func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return wc.w.Write([]byte(s))
}

func (wc *WriteCloser) Close() error {
	return wc.w.Close()
}

// Printer fans terminal output out to its hooks. Streamed deltas (model text
// arriving token by token) keep the current line open until EndLine is called.
type Printer struct {
	mu       sync.Mutex
	indStr   string
	hooks    []StringWriteCloser
	lineOpen bool
}

func NewPrinter(indentString string, hooks ...StringWriteCloser) (*Printer, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Printer{indStr: indentString, hooks: hooks}, nil
}

func (p *Printer) Write(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(p.indent(s, ind))
}

func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.closeLine(); err != nil {
		return err
	}
	return p.write(p.indent(s, ind) + "\n")
}

// WriteDelta appends s to the open line, starting a new indented line first if needed.
func (p *Printer) WriteDelta(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lineOpen {
		s = strings.Repeat(p.indStr, ind) + s
		p.lineOpen = true
	}
	return p.write(s)
}

func (p *Printer) EndLine() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLine()
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hook := range p.hooks {
		if err := hook.Close(); err != nil {
			return fmt.Errorf("on closing hook: %w", err)
		}
	}
	return nil
}

func (p *Printer) closeLine() error {
	if !p.lineOpen {
		return nil
	}
	p.lineOpen = false
	return p.write("\n")
}

func (p *Printer) indent(s string, ind int) string {
	prefix := strings.Repeat(p.indStr, ind)
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}

func (p *Printer) write(s string) error {
	for _, hook := range p.hooks {
		if _, err := hook.WriteString(s); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}
