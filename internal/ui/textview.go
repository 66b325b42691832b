package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/samsaffron/chatty/internal/stream"
)

// maxToolLines caps how much tool output is echoed.
const maxToolLines = 5

// TextView renders one conversation as plain scrolling text.
type TextView struct {
	mu        sync.Mutex
	out       io.Writer
	styles    *Styles
	lineStart bool
	input     int
	output    int
}

func NewTextView(out io.Writer) *TextView {
	return &TextView{out: out, styles: NewStyles(out), lineStart: true}
}

func (v *TextView) write(s string) {
	if s == "" {
		return
	}
	io.WriteString(v.out, s)
	v.lineStart = strings.HasSuffix(s, "\n")
}

// line writes s on a line of its own.
func (v *TextView) line(s string) {
	if !v.lineStart {
		v.write("\n")
	}
	v.write(s + "\n")
}

func (v *TextView) StreamStarted(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.input, v.output = 0, 0
}

func (v *TextView) AppendText(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.write(text)
}

func (v *TextView) ToolStarted(id, name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.line(v.styles.Muted.Render(ToolIcon + " " + name))
}

func (v *TextView) ToolInput(id, name string, args []byte) {}

func (v *TextView) ToolFinished(id, name, output string, failed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if failed {
		v.line(v.styles.Error.Render(fmt.Sprintf("%s %s: %s", FailIcon, name, output)))
		return
	}
	v.line(v.styles.Success.Render(SuccessIcon + " " + name))
	if excerpt := excerpt(output, maxToolLines); excerpt != "" {
		v.line(v.styles.Muted.Render(excerpt))
	}
}

func (v *TextView) ApprovalRequested(e stream.ApprovalRequested) {
	v.mu.Lock()
	defer v.mu.Unlock()
	msg := v.styles.Warning.Render(AskIcon+" approve: ") + v.styles.Command.Render(e.Command)
	if !e.Sandboxed {
		msg += v.styles.Muted.Render(" (not sandboxed)")
	}
	v.line(msg)
}

func (v *TextView) ApprovalResolved(e stream.ApprovalResolved) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e.Approved {
		v.line(v.styles.Success.Render(SuccessIcon + " approved"))
	} else {
		v.line(v.styles.Error.Render(FailIcon + " denied"))
	}
}

func (v *TextView) Usage(input, output int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.input, v.output = input, output
}

func (v *TextView) StreamEnded(e stream.StreamEnded) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch e.Status.State {
	case stream.Completed:
		if v.input > 0 || v.output > 0 {
			v.line(v.styles.Footer.Render(fmt.Sprintf("%d in · %d out", v.input, v.output)))
		} else if !v.lineStart {
			v.write("\n")
		}
	case stream.Cancelled:
		v.line(v.styles.Footer.Render("(stopped)"))
	case stream.Failed:
		v.line(v.styles.Error.Render("error: " + e.Status.Message))
	}
}

// excerpt returns the first n lines of s, noting how many were cut.
func excerpt(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n") + fmt.Sprintf("\n… %d more lines", len(lines)-n)
}
