package inject

import (
	"bytes"
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		method  string
		want    string
		wantErr bool
	}{
		{"stdout", "*inject.WriterInjector", false},
		{"", "*inject.WriterInjector", false},
		{"type", "*inject.Injector", false},
		{"paste", "*inject.Injector", false},
		{"ble", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			inj, err := New(tt.method, &bytes.Buffer{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) error = %v, wantErr %v", tt.method, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			switch inj.(type) {
			case *WriterInjector:
				if tt.want != "*inject.WriterInjector" {
					t.Errorf("New(%q) = %T, want %s", tt.method, inj, tt.want)
				}
			case *Injector:
				if tt.want != "*inject.Injector" {
					t.Errorf("New(%q) = %T, want %s", tt.method, inj, tt.want)
				}
			}
		})
	}
}

func TestWriterInjector(t *testing.T) {
	var buf bytes.Buffer
	inj := NewWriterInjector(&buf)

	for _, text := range []string{"hello world", "", "   ", " second line "} {
		if err := inj.Inject(text); err != nil {
			t.Fatalf("Inject(%q) error = %v", text, err)
		}
	}
	if got, want := buf.String(), "hello world\nsecond line\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestWriterInjectorError(t *testing.T) {
	if err := NewWriterInjector(failingWriter{}).Inject("text"); err == nil {
		t.Error("Inject() should surface write errors")
	}
}

func TestInjectorEmptyTextIsNoop(t *testing.T) {
	// Empty text returns before touching the desktop.
	for _, method := range []string{"type", "paste"} {
		if err := NewInjector(method).Inject(""); err != nil {
			t.Errorf("Inject(\"\") with %s error = %v", method, err)
		}
	}
}
