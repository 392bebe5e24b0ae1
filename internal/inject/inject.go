// Package inject delivers transcripts: to a writer such as stdout, or into
// the active application using robotgo for keystroke simulation or
// clipboard paste.
package inject

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/go-vgo/robotgo"
)

// TextInjector delivers a transcript somewhere.
type TextInjector interface {
	Inject(text string) error
}

// New returns the injector for method: "stdout" writes lines to w,
// "type" and "paste" go to the active application.
func New(method string, w io.Writer) (TextInjector, error) {
	switch method {
	case "stdout", "":
		return NewWriterInjector(w), nil
	case "type", "paste":
		return NewInjector(method), nil
	default:
		return nil, fmt.Errorf("inject: unknown method %q (supported: stdout, type, paste)", method)
	}
}

// WriterInjector writes one transcript per line.
type WriterInjector struct {
	w io.Writer
}

var _ TextInjector = (*WriterInjector)(nil)

// NewWriterInjector creates a WriterInjector over w.
func NewWriterInjector(w io.Writer) *WriterInjector {
	return &WriterInjector{w: w}
}

// Inject writes text followed by a newline. Empty text is skipped.
func (wi *WriterInjector) Inject(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if _, err := fmt.Fprintln(wi.w, text); err != nil {
		return fmt.Errorf("inject: write transcript: %w", err)
	}
	return nil
}

// Injector handles typing or pasting text into the active application.
type Injector struct {
	method string // "type" or "paste"
}

var _ TextInjector = (*Injector)(nil)

// NewInjector creates an Injector with the given method.
// method must be "type" (keystroke simulation) or "paste" (clipboard).
func NewInjector(method string) *Injector {
	return &Injector{method: method}
}

// Inject sends text to the active application using the configured method.
func (inj *Injector) Inject(text string) error {
	if text == "" {
		return nil
	}

	switch inj.method {
	case "paste":
		return inj.paste(text)
	default: // "type"
		return inj.typeText(text)
	}
}

// typeText simulates individual keystrokes. Preserves clipboard contents
// but is slower for long text.
func (inj *Injector) typeText(text string) error {
	robotgo.Type(text)
	return nil
}

// pasteModifier is the platform's paste shortcut modifier.
func pasteModifier() string {
	if runtime.GOOS == "darwin" {
		return "cmd"
	}
	return "ctrl"
}

// paste copies text to clipboard and pastes it. Faster for long text; the
// previous clipboard contents are restored afterwards on a best-effort basis.
func (inj *Injector) paste(text string) error {
	prev, _ := robotgo.ReadAll()

	if err := robotgo.WriteAll(text); err != nil {
		return fmt.Errorf("inject: write to clipboard: %w", err)
	}

	mod := pasteModifier()
	if err := robotgo.KeyTap("v", mod); err != nil {
		return fmt.Errorf("inject: key tap %s+v: %w", mod, err)
	}

	_ = robotgo.WriteAll(prev)

	return nil
}
