package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SessionCreator is the session-creation half of the Transport.
type SessionCreator interface {
	CreateSession(ctx context.Context) (string, error)
}

// Session is the conversation identity. An empty ID means session creation
// failed or is still pending; requests then proceed without an id.
type Session struct {
	ID        string
	CreatedAt time.Time

	generation uint64
}

// SessionManager owns the lifecycle of the single active Session. Every
// Begin supersedes the previous session; responses tagged with a superseded
// session are recognised through IsCurrent.
type SessionManager struct {
	creator SessionCreator
	now     func() time.Time
	logger  *slog.Logger

	mu         sync.Mutex
	current    Session
	generation uint64
}

func NewSessionManager(creator SessionCreator, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		creator: creator,
		now:     time.Now,
		logger:  logger,
	}
}

// Begin discards the current identity and installs a new, id-less session.
func (m *SessionManager) Begin() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.current = Session{CreatedAt: m.now(), generation: m.generation}
	return m.current
}

// Establish asks the creator for an id for s. Failures are logged and leave
// the session id-less. A result for a session superseded in the meantime is
// dropped. The returned Session is whatever is current afterwards.
func (m *SessionManager) Establish(ctx context.Context, s Session) Session {
	id, err := m.creator.CreateSession(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.generation != m.generation {
		return m.current
	}
	if err != nil {
		m.logger.Warn("delivery: session create failed, continuing without session", "err", err)
		return m.current
	}
	m.current.ID = id
	return m.current
}

// Start is Begin followed by Establish.
func (m *SessionManager) Start(ctx context.Context) Session {
	return m.Establish(ctx, m.Begin())
}

func (m *SessionManager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsCurrent reports whether s has not been superseded by a later Begin.
func (m *SessionManager) IsCurrent(s Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.generation == m.generation
}
