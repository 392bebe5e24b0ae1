// Package hotkey drives live capture from a global hotkey using gohook.
// It supports "hold" mode (press to record, release to finish) and
// "toggle" mode (press to record, press again to finish). A separate
// cancel combo abandons the recording in either mode.
package hotkey

import (
	"sync"

	hook "github.com/robotn/gohook"
)

// EventType is what the capture loop should do next.
type EventType int

const (
	// EventRecord starts a capture session.
	EventRecord EventType = iota
	// EventFinish stops the session and transcribes it.
	EventFinish
	// EventCancel abandons the session.
	EventCancel
)

func (t EventType) String() string {
	switch t {
	case EventRecord:
		return "record"
	case EventFinish:
		return "finish"
	case EventCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// trigger turns key transitions into events. It only emits Finish or
// Cancel while a recording is active, and only Record while idle.
type trigger struct {
	mode string

	mu        sync.Mutex
	recording bool
	ch        chan Event
}

func newTrigger(mode string, buffer int) *trigger {
	return &trigger{mode: mode, ch: make(chan Event, buffer)}
}

func (t *trigger) emit(typ EventType) {
	select {
	case t.ch <- Event{Type: typ}:
	default: // don't block the hook thread if the channel is full
	}
}

func (t *trigger) keyDown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case !t.recording:
		t.recording = true
		t.emit(EventRecord)
	case t.mode == "toggle":
		t.recording = false
		t.emit(EventFinish)
	}
}

func (t *trigger) keyUp() {
	if t.mode == "toggle" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recording {
		t.recording = false
		t.emit(EventFinish)
	}
}

func (t *trigger) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recording {
		t.recording = false
		t.emit(EventCancel)
	}
}

// reset marks the trigger idle, e.g. after the session ended on its own
// at the maximum duration.
func (t *trigger) reset() {
	t.mu.Lock()
	t.recording = false
	t.mu.Unlock()
}

// Listener manages a global hotkey and emits capture events.
type Listener struct {
	keys       []string
	cancelKeys []string
	trig       *trigger
	done       chan struct{}
	once       sync.Once
}

// NewListener creates a Listener for the given key combos and mode.
// Keys should be lowercase key names (e.g., ["ctrl", "shift", "r"]).
// cancelKeys may be empty to disable cancelling. mode must be "hold"
// or "toggle".
func NewListener(keys, cancelKeys []string, mode string) *Listener {
	return &Listener{
		keys:       keys,
		cancelKeys: cancelKeys,
		trig:       newTrigger(mode, 16),
		done:       make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when Stop is called.
func (l *Listener) Events() <-chan Event {
	return l.trig.ch
}

// Reset tells the listener the current recording is over without a key
// press, so the next press starts a new one.
func (l *Listener) Reset() {
	l.trig.reset()
}

// Start begins listening for the global hotkey.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.trig.keyDown() })
	if l.trig.mode != "toggle" {
		hook.Register(hook.KeyUp, l.keys, func(hook.Event) { l.trig.keyUp() })
	}
	if len(l.cancelKeys) > 0 {
		hook.Register(hook.KeyDown, l.cancelKeys, func(hook.Event) { l.trig.cancel() })
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.trig.ch)
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
