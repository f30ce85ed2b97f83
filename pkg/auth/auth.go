// Package auth logs the client in as a user and keeps it logged in across
// sessions.
//
// A login sends "auth {email, password}". The server answers with
// {password, userid} or with false for unknown credentials. The returned
// password replaces the stored one and is what later sessions log in with.
// The user model is then fetched and held hot for as long as the login
// lasts, and its key becomes the presence self user.
//
// On every new session Reauth logs in again before anything else is sent.
// Its requests bypass the correlator's hold, so requests made while
// disconnected reach the server only once the session is authenticated.
package auth

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/croquet-sync/croquet-go/pkg/entity"
	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/rpc"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// Message types sent by the session.
const (
	TypeAuth        = "auth"
	TypePasswd      = "passwd"
	TypeNewPassword = "newpw"
)

var (
	// ErrBadCredentials indicates the server rejected the email or password.
	ErrBadCredentials = errors.New("incorrect credentials")

	// ErrAlreadyAuthed indicates a login while one is active.
	ErrAlreadyAuthed = errors.New("already authenticated")

	// ErrNotAuthed indicates an operation that needs a login.
	ErrNotAuthed = errors.New("not authenticated")

	// ErrWrongPassword indicates a password change with the wrong old password.
	ErrWrongPassword = errors.New("wrong password")

	// ErrNoUser indicates the user model could not be fetched.
	ErrNoUser = errors.New("user not found")
)

// Caller sends requests; implemented by *rpc.Correlator.
type Caller interface {
	Call(typ string, payload wire.Payload, cb rpc.Callback) uint64
	Bypass(fn func())
}

// Fetcher looks up models; implemented by *entity.Store.
type Fetcher interface {
	Fetch(key string, cb func(*entity.Entity))
}

// Connector drives the connection; implemented by *connection.Supervisor.
type Connector interface {
	Connect()
	Disconnect()
}

// SelfSetter receives the logged-in user; implemented by *presence.Tracker.
type SelfSetter interface {
	SetSelf(user string)
}

var (
	_ Caller  = (*rpc.Correlator)(nil)
	_ Fetcher = (*entity.Store)(nil)
)

// Config configures a Session.
type Config struct {
	// Store keeps the credentials. If nil, they live in memory.
	Store CredentialStore

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// Session holds the login. All methods must be called on the loop.
type Session struct {
	rpc    Caller
	users  Fetcher
	conn   Connector
	self   SelfSetter
	store  CredentialStore
	logger *slog.Logger

	user    *entity.Entity
	handles []event.Handle
	changes event.Emitter[struct{}]
}

// New creates a session with no user.
func New(caller Caller, users Fetcher, conn Connector, self SelfSetter, cfg Config) *Session {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(Credentials{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		rpc:    caller,
		users:  users,
		conn:   conn,
		self:   self,
		store:  cfg.Store,
		logger: cfg.Logger.With("component", "auth"),
	}
}

// User returns the hot user entity, or nil.
func (s *Session) User() *entity.Entity { return s.user }

// UserID returns the user's model key, or "".
func (s *Session) UserID() string {
	if s.user == nil {
		return ""
	}
	return s.user.ID()
}

// Authed reports whether a user is logged in.
func (s *Session) Authed() bool { return s.user != nil }

// OnChange registers fn for logins and logouts.
func (s *Session) OnChange(fn func()) event.Handle {
	return s.changes.On(func(struct{}) { fn() })
}

// Reauth logs in with the stored credentials. done is called exactly once,
// whether or not that succeeds.
func (s *Session) Reauth(done func()) {
	creds, err := s.store.Load()
	if err != nil {
		s.logger.Warn("loading credentials failed", "error", err)
		done()
		return
	}
	if creds.Empty() {
		done()
		return
	}
	s.login(creds, func(err error) {
		switch {
		case errors.Is(err, ErrBadCredentials):
			s.logger.Warn("stored credentials rejected", "email", creds.Email)
			s.forget()
		case err != nil:
			s.logger.Info("re-authentication failed", "email", creds.Email, "error", err)
		default:
			s.logger.Debug("re-authenticated", "user", s.UserID())
		}
		done()
	})
}

// Auth logs in. It fails with ErrAlreadyAuthed while a user is logged in.
func (s *Session) Auth(email, password string, cb func(error)) {
	if s.user != nil {
		cb(ErrAlreadyAuthed)
		return
	}
	s.login(Credentials{Email: email, Password: password}, cb)
}

// Deauth forgets the login and starts a fresh session.
func (s *Session) Deauth() {
	s.forget()
	s.conn.Disconnect()
	s.conn.Connect()
}

// ChangePassword replaces the password of the logged-in user.
func (s *Session) ChangePassword(old, password string, cb func(error)) {
	if s.user == nil {
		cb(ErrNotAuthed)
		return
	}
	s.rpc.Call(TypePasswd, wire.Payload{"old": old, "password": password}, func(v any, err error) {
		if err != nil {
			cb(err)
			return
		}
		stored, ok := v.(string)
		if !ok {
			cb(ErrWrongPassword)
			return
		}
		creds, err := s.store.Load()
		if err == nil {
			creds.Password = stored
			err = s.store.Save(creds)
		}
		cb(err)
	})
}

// ResetPassword asks the server to mail a new password to email.
func (s *Session) ResetPassword(email string, cb func(error)) {
	s.rpc.Call(TypeNewPassword, wire.Payload{"email": email}, func(_ any, err error) {
		if cb != nil {
			cb(err)
		}
	})
}

func (s *Session) login(creds Credentials, cb func(error)) {
	payload := wire.Payload{"email": creds.Email, "password": creds.Password}
	s.rpc.Bypass(func() {
		s.rpc.Call(TypeAuth, payload, func(v any, err error) {
			if err != nil {
				cb(err)
				return
			}
			m, _ := v.(map[string]any)
			userID, _ := m["userid"].(string)
			stored, _ := m["password"].(string)
			if userID == "" {
				cb(ErrBadCredentials)
				return
			}
			creds.Password = stored
			if err := s.store.Save(creds); err != nil {
				s.logger.Warn("saving credentials failed", "error", err)
			}
			s.adopt(userID, cb)
		})
	})
}

// adopt makes userID the logged-in user. A user already held is kept; its
// subscription is renewed with the others.
func (s *Session) adopt(userID string, cb func(error)) {
	if s.UserID() == userID {
		cb(nil)
		return
	}
	s.rpc.Bypass(func() {
		s.users.Fetch(userID, func(e *entity.Entity) {
			if e == nil {
				cb(fmt.Errorf("%w: %s", ErrNoUser, userID))
				return
			}
			s.drop()
			s.user = e.Heat()
			s.handles = append(s.handles, e.OnInvalidated(s.lost))
			s.self.SetSelf(userID)
			s.logger.Info("authenticated", "user", userID)
			s.changes.Emit(struct{}{})
			cb(nil)
		})
	})
}

// forget clears the stored credentials and the user.
func (s *Session) forget() {
	if err := s.store.Clear(); err != nil {
		s.logger.Warn("clearing credentials failed", "error", err)
	}
	if s.user == nil {
		return
	}
	s.drop()
	s.self.SetSelf("")
	s.changes.Emit(struct{}{})
}

func (s *Session) drop() {
	for _, h := range s.handles {
		h.Off()
	}
	s.handles = nil
	if s.user != nil && s.user.Hot() {
		s.user.Freeze()
	}
	s.user = nil
}

// lost handles the server dropping the user model.
func (s *Session) lost() {
	s.logger.Warn("user model invalidated", "user", s.UserID())
	s.handles = nil
	s.user = nil
	s.self.SetSelf("")
	s.changes.Emit(struct{}{})
}
