package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"go.uber.org/zap"
)

// Authenticator is the account directory a Session signs in against.
type Authenticator interface {
	Register(ctx context.Context, credentials Credentials) (domain.Identity, error)
	Authenticate(ctx context.Context, credentials Credentials) (domain.Identity, error)
}

// ChangeFunc observes identity transitions. signedIn is false after sign-out.
type ChangeFunc func(identity domain.Identity, signedIn bool)

// Source exposes the current identity and its change notifications.
type Source interface {
	CurrentIdentity() (domain.Identity, bool)
	OnIdentityChanged(observer ChangeFunc) func()
}

var errMissingAuthenticator = errors.New("identity: authenticator required")

// Session holds the identity of one client and notifies observers when it changes.
// Observers run after the transition is recorded and never under the session lock.
type Session struct {
	id            string
	authenticator Authenticator
	logger        *zap.Logger

	mu        sync.Mutex
	current   domain.Identity
	signedIn  bool
	observers map[uint64]ChangeFunc
	nextID    uint64

	notifyMu sync.Mutex
}

// NewSession constructs an anonymous session.
func NewSession(id string, authenticator Authenticator, logger *zap.Logger) (*Session, error) {
	if authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:            id,
		authenticator: authenticator,
		logger:        logger,
		observers:     make(map[uint64]ChangeFunc),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CurrentIdentity returns the signed-in identity, if any.
func (s *Session) CurrentIdentity() (domain.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.signedIn
}

// OnIdentityChanged registers an observer and returns its unregister function.
// The observer is not invoked for the state at registration time.
func (s *Session) OnIdentityChanged(observer ChangeFunc) func() {
	if observer == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	key := s.nextID
	s.observers[key] = observer
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, key)
			s.mu.Unlock()
		})
	}
}

// SignIn authenticates against the directory and makes the identity current.
func (s *Session) SignIn(ctx context.Context, credentials Credentials) (domain.Identity, error) {
	identity, err := s.authenticator.Authenticate(ctx, credentials)
	if err != nil {
		return domain.Identity{}, err
	}
	s.transition(identity, true)
	return identity, nil
}

// SignUp registers a new account and makes it current.
func (s *Session) SignUp(ctx context.Context, credentials Credentials) (domain.Identity, error) {
	identity, err := s.authenticator.Register(ctx, credentials)
	if err != nil {
		return domain.Identity{}, err
	}
	s.transition(identity, true)
	return identity, nil
}

// Restore marks an already verified identity as current without re-authenticating.
func (s *Session) Restore(identity domain.Identity) {
	s.transition(identity, true)
}

// SignOut clears the current identity. Signing out an anonymous session is a no-op.
func (s *Session) SignOut(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.transition(domain.Identity{}, false)
	return nil
}

func (s *Session) transition(identity domain.Identity, signedIn bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.signedIn == signedIn && s.current == identity {
		s.mu.Unlock()
		return
	}
	s.current = identity
	s.signedIn = signedIn
	observers := make([]ChangeFunc, 0, len(s.observers))
	for _, observer := range s.observers {
		observers = append(observers, observer)
	}
	s.mu.Unlock()

	s.logger.Debug("identity changed",
		zap.String("session_id", s.id),
		zap.Bool("signed_in", signedIn),
		zap.String("uid", identity.UID),
	)
	for _, observer := range observers {
		observer(identity, signedIn)
	}
}
