// Package notice turns errors into dismissible user-facing notices.
package notice

import (
	"errors"
	"sync"
	"time"

	"github.com/comigor/geochat/internal/chat"
	"github.com/comigor/geochat/internal/dispatch"
	"github.com/comigor/geochat/internal/llm"
	"github.com/comigor/geochat/internal/logger"
)

// DefaultDuration is how long temporary notices stay visible.
const DefaultDuration = 3 * time.Second

// Kind classifies a notice.
type Kind string

const (
	KindConfig   Kind = "config"   // recoverable by editing settings
	KindProvider Kind = "provider" // per-request, conversation unaffected
	KindInfo     Kind = "info"
	KindApplet   Kind = "applet"
	KindError    Kind = "error"
)

const fallbackMessage = "Something went wrong, please try again"

// Notice is one message shown to the user.
type Notice struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	Expires time.Time `json:"expires,omitzero"`
}

// Classify maps an error onto the notice taxonomy.
func Classify(err error) Notice {
	switch {
	case err == nil:
		return Notice{Kind: KindInfo}
	case errors.Is(err, llm.ErrMissingCredential):
		return Notice{Kind: KindConfig, Message: llm.ErrMissingCredential.Error()}
	case errors.Is(err, llm.ErrInit):
		return Notice{Kind: KindProvider, Message: llm.ErrInit.Error()}
	case errors.Is(err, llm.ErrStreamCreate):
		return Notice{Kind: KindProvider, Message: llm.ErrStreamCreate.Error()}
	case errors.Is(err, chat.ErrInterrupted):
		return Notice{Kind: KindProvider, Message: chat.ErrInterrupted.Error()}
	case errors.Is(err, dispatch.ErrNoCommands):
		return Notice{Kind: KindInfo, Message: "No GeoGebra commands found"}
	case errors.Is(err, dispatch.ErrAppletUnavailable):
		return Notice{Kind: KindApplet, Message: "GeoGebra is not ready yet"}
	}
	msg := err.Error()
	if msg == "" {
		msg = fallbackMessage
	}
	return Notice{Kind: KindError, Message: msg}
}

// Board holds the single notice currently shown.
type Board struct {
	mu      sync.Mutex
	current *Notice
	timer   *time.Timer
	now     func() time.Time
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{now: time.Now}
}

// Set shows n until cleared.
func (b *Board) Set(n Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	n.Expires = time.Time{}
	b.current = &n
}

// SetError classifies err and shows it.
func (b *Board) SetError(err error) Notice {
	n := Classify(err)
	logger.L.Warn("notice", "kind", string(n.Kind), "error", err)
	b.Set(n)
	return n
}

// SetTemporary shows n for d (DefaultDuration when d <= 0).
func (b *Board) SetTemporary(n Notice, d time.Duration) {
	if d <= 0 {
		d = DefaultDuration
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	n.Expires = b.now().Add(d)
	shown := &n
	b.current = shown
	b.timer = time.AfterFunc(d, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.current == shown {
			b.current = nil
		}
	})
}

// Current returns the visible notice.
func (b *Board) Current() (Notice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Notice{}, false
	}
	return *b.current, true
}

// Clear dismisses the visible notice.
func (b *Board) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	b.current = nil
}

func (b *Board) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
