package backchannel

import (
	"github.com/arzzra/rtsp_backchannel/pkg/media"
)

// Decision решение арбитра по кадру
type Decision int

const (
	// DecisionProcess кадр текущей сессии
	DecisionProcess Decision = iota
	// DecisionSwitch кадр новой сессии, она становится текущей
	DecisionSwitch
	// DecisionEnd stop маркер текущей сессии
	DecisionEnd
	// DecisionDiscard stop маркер не текущей сессии
	DecisionDiscard
)

func (d Decision) String() string {
	switch d {
	case DecisionProcess:
		return "process"
	case DecisionSwitch:
		return "switch"
	case DecisionEnd:
		return "end"
	case DecisionDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Arbiter выбирает единственную активную сессию воркера.
// Кадр данных другой сессии вытесняет текущую.
type Arbiter struct {
	current     uint32
	active      bool
	preemptions uint64
	onPreempt   func(from, to uint32)
}

// NewArbiter создает арбитр без текущей сессии
func NewArbiter() *Arbiter {
	return &Arbiter{}
}

// Admit классифицирует кадр и обновляет текущую сессию
func (a *Arbiter) Admit(frame *media.Frame) Decision {
	if frame.Stop {
		if a.active && frame.SessionID == a.current {
			a.active = false
			a.current = 0
			return DecisionEnd
		}
		return DecisionDiscard
	}

	if a.active && frame.SessionID == a.current {
		return DecisionProcess
	}

	if a.active {
		a.preemptions++
		if a.onPreempt != nil {
			a.onPreempt(a.current, frame.SessionID)
		}
	}
	a.current = frame.SessionID
	a.active = true
	return DecisionSwitch
}

// Current возвращает текущую сессию
func (a *Arbiter) Current() (sessionID uint32, ok bool) {
	return a.current, a.active
}

// Preemptions возвращает число вытеснений
func (a *Arbiter) Preemptions() uint64 {
	return a.preemptions
}
