package backchannel

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/rtsp_backchannel/pkg/eventloop"
	"github.com/arzzra/rtsp_backchannel/pkg/media"
	"github.com/arzzra/rtsp_backchannel/pkg/rtp"
)

// ManagerConfig параметры менеджера потоков одного формата
type ManagerConfig struct {
	Format            media.Format
	VariableRate      uint32
	Control           string
	InactivityTimeout time.Duration
	ReportInterval    time.Duration
	CNAME             string
	MaxFrameSize      int
}

// Manager обрабатывает SETUP / PLAY / TEARDOWN backchannel потоков одного формата.
// Методы вызываются в цикле событий.
type Manager struct {
	config    ManagerConfig
	loop      *eventloop.Loop
	allocator *rtp.PortAllocator
	queue     *FrameQueue
	ids       *atomic.Uint32
	metrics   *Metrics
	log       *logrus.Entry

	sessions map[uint32]*Session
}

// NewManager создает менеджер. ids общий счетчик идентификаторов сессий.
func NewManager(config ManagerConfig, loop *eventloop.Loop, allocator *rtp.PortAllocator,
	queue *FrameQueue, ids *atomic.Uint32, metrics *Metrics, log *logrus.Entry) *Manager {
	if ids == nil {
		ids = &atomic.Uint32{}
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		config:    config,
		loop:      loop,
		allocator: allocator,
		queue:     queue,
		ids:       ids,
		metrics:   metrics,
		log:       log.WithFields(logrus.Fields{"component": "manager", "format": config.Format.String()}),
		sessions:  make(map[uint32]*Session),
	}
}

// Format возвращает формат менеджера
func (m *Manager) Format() media.Format {
	return m.config.Format
}

// Setup создает сессию и привязывает транспорт. Возвращает токен сессии.
func (m *Manager) Setup(req SetupRequest) (SetupResult, uint32, error) {
	id := m.nextID()

	session, result, err := Open(SessionConfig{
		ID:                id,
		Format:            m.config.Format,
		VariableRate:      m.config.VariableRate,
		Control:           m.config.Control,
		InactivityTimeout: m.config.InactivityTimeout,
		ReportInterval:    m.config.ReportInterval,
		CNAME:             m.config.CNAME,
		MaxFrameSize:      m.config.MaxFrameSize,
		Loop:              m.loop,
		Allocator:         m.allocator,
		Queue:             m.queue,
		Metrics:           m.metrics,
		Log:               m.log,
		OnEnded:           m.onEnded,
	}, req)
	if err != nil {
		code := "unknown"
		var mediaErr *media.Error
		if errors.As(err, &mediaErr) {
			code = mediaErr.Code.String()
		}
		m.metrics.setupFailures.WithLabelValues(code).Inc()
		m.log.WithError(err).Warn("SETUP отклонен")
		return SetupResult{}, 0, err
	}

	m.sessions[id] = session
	m.metrics.sessionsActive.Inc()
	m.metrics.sessionsTotal.WithLabelValues(TransportName(session.Transport())).Inc()
	return result, id, nil
}

// nextID выдает ненулевой идентификатор
func (m *Manager) nextID() uint32 {
	for {
		if id := m.ids.Add(1); id != 0 {
			return id
		}
	}
}

// StartStream запускает прием потока сессии
func (m *Manager) StartStream(token uint32, onReport rtp.ReportFunc) error {
	session, ok := m.sessions[token]
	if !ok {
		return media.NewError(media.ErrorCodeSessionClosed, token, "сессия не найдена")
	}
	return session.Start(onReport)
}

// DeleteStream закрывает сессию. Неизвестный токен не является ошибкой.
func (m *Manager) DeleteStream(token uint32) error {
	session, ok := m.sessions[token]
	if !ok {
		return nil
	}
	return m.remove(session)
}

// Session возвращает сессию по токену
func (m *Manager) Session(token uint32) (*Session, bool) {
	session, ok := m.sessions[token]
	return session, ok
}

// Sessions возвращает число живых сессий
func (m *Manager) Sessions() int {
	return len(m.sessions)
}

// CloseAll закрывает все сессии
func (m *Manager) CloseAll() {
	for _, session := range m.sessions {
		if err := m.remove(session); err != nil {
			m.log.WithError(err).WithField("session_id", session.ID()).Warn("Ошибка закрытия сессии")
		}
	}
}

func (m *Manager) remove(session *Session) error {
	delete(m.sessions, session.ID())
	m.metrics.sessionsActive.Dec()
	if err := session.Close(); err != nil {
		return fmt.Errorf("закрытие сессии %d: %w", session.ID(), err)
	}
	return nil
}

func (m *Manager) onEnded(session *Session, reason string) {
	if _, ok := m.sessions[session.ID()]; !ok {
		return
	}
	m.log.WithFields(logrus.Fields{
		"session_id": session.ID(),
		"reason":     reason,
	}).Info("Сессия завершена приемником")
	if err := m.remove(session); err != nil {
		m.log.WithError(err).Warn("Ошибка закрытия сессии")
	}
}
