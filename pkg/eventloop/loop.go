// Package eventloop реализует сетевой контекст backchannel сервера: одну
// горутину, которая последовательно выполняет поставленные задачи.
//
// Все обработчики сессий, приемников, менеджеров и RTCP отчетов выполняются
// внутри цикла, поэтому их состояние не требует собственных блокировок.
// Горутины чтения сокетов никогда не трогают состояние сессий напрямую:
// они ставят задачи через Post.
//
// Таймеры (AfterFunc) доставляют обработчик как задачу цикла. Stop
// гарантированно отменяет доставку, даже если системный таймер уже сработал
// и задача стоит в очереди.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStopped возвращается, когда цикл уже завершен и задача не будет выполнена
var ErrStopped = errors.New("eventloop: цикл остановлен")

// Loop однопоточный исполнитель задач
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	notify  chan struct{}
	stopped bool
	running bool
	exited  chan struct{}

	log *logrus.Entry
}

// New создает цикл. Задачи начинают выполняться после вызова Run.
func New(log *logrus.Entry) *Loop {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Loop{
		notify: make(chan struct{}, 1),
		exited: make(chan struct{}),
		log:    log.WithField("component", "eventloop"),
	}
}

// Post ставит задачу в очередь цикла и никогда не блокируется.
// Возвращает false, если цикл уже остановлен.
func (l *Loop) Post(task func()) bool {
	if task == nil {
		return false
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Do выполняет fn в цикле и ждет завершения
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-l.exited:
		// задача могла успеть выполниться до остановки
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done закрывается после выхода из Run
func (l *Loop) Done() <-chan struct{} {
	return l.exited
}

// Run выполняет задачи до отмены ctx. После возврата Post отклоняет задачи,
// а оставшиеся в очереди отбрасываются.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running || l.stopped {
		l.mu.Unlock()
		return fmt.Errorf("eventloop: цикл уже запускался")
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.stopped = true
		dropped := len(l.tasks)
		l.tasks = nil
		l.mu.Unlock()
		close(l.exited)
		if dropped > 0 {
			l.log.WithField("dropped", dropped).Debug("цикл остановлен с невыполненными задачами")
		}
	}()

	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, task := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.exec(task)
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.notify:
		}
	}
}

// exec выполняет задачу с защитой от паники, чтобы одна сессия не роняла цикл
func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", r).Errorf("паника в задаче цикла\n%s", debug.Stack())
		}
	}()
	task()
}

// Timer однократный таймер цикла
type Timer struct {
	loop *Loop
	fn   func()

	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
	gen       uint64
}

// AfterFunc запускает однократный таймер, обработчик которого выполняется в цикле
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn}
	t.mu.Lock()
	t.arm(d)
	t.mu.Unlock()
	return t
}

// arm вызывается под t.mu
func (t *Timer) arm(d time.Duration) {
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.loop.Post(func() { t.fire(gen) })
	})
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if t.cancelled || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.mu.Unlock()

	t.fn()
}

// Stop отменяет таймер. Возвращает true, если обработчик еще не выполнялся.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	return true
}

// Reset перезапускает таймер на новый интервал. Ранее запланированная доставка
// отбрасывается, даже если уже стоит в очереди цикла.
func (t *Timer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timer.Stop()
	t.cancelled = false
	t.arm(d)
}
