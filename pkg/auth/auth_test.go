package auth

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croquet-sync/croquet-go/pkg/entity"
	"github.com/croquet-sync/croquet-go/pkg/loop"
	"github.com/croquet-sync/croquet-go/pkg/rpc"
	"github.com/croquet-sync/croquet-go/pkg/subscription"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

type call struct {
	typ      string
	payload  wire.Payload
	cb       rpc.Callback
	bypassed bool
	done     bool
}

// fakeServer records calls and answers them on demand.
type fakeServer struct {
	calls     []*call
	bypassing bool
	models    map[string]any
}

func (f *fakeServer) Call(typ string, payload wire.Payload, cb rpc.Callback) uint64 {
	f.calls = append(f.calls, &call{typ: typ, payload: payload, cb: cb, bypassed: f.bypassing})
	return uint64(len(f.calls))
}

func (f *fakeServer) Bypass(fn func()) {
	prev := f.bypassing
	f.bypassing = true
	defer func() { f.bypassing = prev }()
	fn()
}

func (f *fakeServer) pending(typ string) *call {
	for _, c := range f.calls {
		if !c.done && c.typ == typ {
			return c
		}
	}
	return nil
}

func (f *fakeServer) count(typ string) int {
	n := 0
	for _, c := range f.calls {
		if c.typ == typ {
			n++
		}
	}
	return n
}

func (f *fakeServer) respond(t *testing.T, typ string, v any) *call {
	t.Helper()
	c := f.pending(typ)
	require.NotNil(t, c, "no pending %s", typ)
	c.done = true
	if c.cb != nil {
		c.cb(v, nil)
	}
	return c
}

// serveSubs answers every pending subscribe from the model table.
func (f *fakeServer) serveSubs() {
	for c := f.pending(subscription.TypeSub); c != nil; c = f.pending(subscription.TypeSub) {
		c.done = true
		v, ok := f.models[c.payload["key"].(string)]
		if !ok {
			c.cb(false, nil)
			continue
		}
		c.cb(v, nil)
	}
}

type fakeConn struct {
	connects, disconnects int
}

func (f *fakeConn) Connect()    { f.connects++ }
func (f *fakeConn) Disconnect() { f.disconnects++ }

type selfRecorder struct {
	users []string
}

func (s *selfRecorder) SetSelf(user string) { s.users = append(s.users, user) }

func (s *selfRecorder) last() string {
	if len(s.users) == 0 {
		return ""
	}
	return s.users[len(s.users)-1]
}

type harness struct {
	session *Session
	server  *fakeServer
	cache   *subscription.Cache
	conn    *fakeConn
	self    *selfRecorder
	store   *MemoryStore
	changes int
}

func newHarness(t *testing.T, creds Credentials) *harness {
	t.Helper()
	l := loop.New(clock.NewMock())
	fs := &fakeServer{models: map[string]any{
		"user/1": map[string]any{"name": "Ada"},
		"user/2": map[string]any{"name": "Grace"},
	}}
	cache := subscription.NewCache(l, fs, subscription.Config{})
	h := &harness{
		server: fs,
		cache:  cache,
		conn:   &fakeConn{},
		self:   &selfRecorder{},
		store:  NewMemoryStore(creds),
	}
	store := entity.NewStore(cache, fs, entity.Config{})
	h.session = New(fs, store, h.conn, h.self, Config{Store: h.store})
	h.session.OnChange(func() { h.changes++ })
	return h
}

func (h *harness) login(t *testing.T, email, password, userID string) {
	t.Helper()
	var err error
	called := false
	h.session.Auth(email, password, func(e error) { err, called = e, true })
	h.server.respond(t, TypeAuth, map[string]any{"password": password + "#", "userid": userID})
	h.server.serveSubs()
	require.True(t, called)
	require.NoError(t, err)
}

func TestAuth(t *testing.T) {
	h := newHarness(t, Credentials{})

	var err error
	called := false
	h.session.Auth("ada@example.com", "secret", func(e error) { err, called = e, true })

	c := h.server.pending(TypeAuth)
	require.NotNil(t, c)
	assert.True(t, c.bypassed)
	assert.Equal(t, "ada@example.com", c.payload["email"])
	assert.Equal(t, "secret", c.payload["password"])

	h.server.respond(t, TypeAuth, map[string]any{"password": "hashed", "userid": "user/1"})
	assert.False(t, called, "waits for the user model")
	sub := h.server.pending(subscription.TypeSub)
	require.NotNil(t, sub)
	assert.True(t, sub.bypassed)
	h.server.serveSubs()

	require.True(t, called)
	require.NoError(t, err)
	assert.True(t, h.session.Authed())
	assert.Equal(t, "user/1", h.session.UserID())
	assert.True(t, h.session.User().Hot())
	assert.Equal(t, "Ada", h.session.User().Text("name"))
	assert.Equal(t, "user/1", h.self.last())
	assert.Equal(t, 1, h.changes)

	creds, _ := h.store.Load()
	assert.Equal(t, Credentials{Email: "ada@example.com", Password: "hashed"}, creds)

	h.session.Auth("ada@example.com", "secret", func(e error) { err = e })
	assert.ErrorIs(t, err, ErrAlreadyAuthed)
	assert.Equal(t, 1, h.server.count(TypeAuth))
}

func TestAuthRejected(t *testing.T) {
	h := newHarness(t, Credentials{})

	var err error
	h.session.Auth("ada@example.com", "wrong", func(e error) { err = e })
	h.server.respond(t, TypeAuth, false)

	assert.ErrorIs(t, err, ErrBadCredentials)
	assert.False(t, h.session.Authed())
	assert.Empty(t, h.self.users)
	assert.Zero(t, h.changes)
	creds, _ := h.store.Load()
	assert.True(t, creds.Empty())
}

func TestAuthUnknownUser(t *testing.T) {
	h := newHarness(t, Credentials{})

	var err error
	h.session.Auth("ada@example.com", "secret", func(e error) { err = e })
	h.server.respond(t, TypeAuth, map[string]any{"password": "hashed", "userid": "user/9"})
	h.server.serveSubs()

	assert.ErrorIs(t, err, ErrNoUser)
	assert.False(t, h.session.Authed())
}

func TestReauthWithoutCredentials(t *testing.T) {
	h := newHarness(t, Credentials{})

	done := 0
	h.session.Reauth(func() { done++ })
	assert.Equal(t, 1, done)
	assert.Empty(t, h.server.calls)
}

func TestReauth(t *testing.T) {
	h := newHarness(t, Credentials{Email: "ada@example.com", Password: "hashed"})

	done := 0
	h.session.Reauth(func() { done++ })
	c := h.server.respond(t, TypeAuth, map[string]any{"password": "hashed2", "userid": "user/1"})
	assert.True(t, c.bypassed)
	assert.Equal(t, "hashed", c.payload["password"])
	assert.Zero(t, done)

	h.server.serveSubs()
	assert.Equal(t, 1, done)
	assert.Equal(t, "user/1", h.session.UserID())
	creds, _ := h.store.Load()
	assert.Equal(t, "hashed2", creds.Password)

	// A later session logs in as the same user and keeps the held model.
	user := h.session.User()
	h.session.Reauth(func() { done++ })
	h.server.respond(t, TypeAuth, map[string]any{"password": "hashed2", "userid": "user/1"})
	assert.Equal(t, 2, done)
	assert.Same(t, user, h.session.User())
	assert.Equal(t, 1, h.server.count(subscription.TypeSub))
	assert.Equal(t, 1, h.changes)
}

func TestReauthSwitchesUser(t *testing.T) {
	h := newHarness(t, Credentials{})
	h.login(t, "ada@example.com", "secret", "user/1")
	first := h.session.User()

	done := 0
	h.session.Reauth(func() { done++ })
	h.server.respond(t, TypeAuth, map[string]any{"password": "x", "userid": "user/2"})
	h.server.serveSubs()

	assert.Equal(t, 1, done)
	assert.False(t, first.Hot())
	assert.Equal(t, "user/2", h.session.UserID())
	assert.Equal(t, []string{"user/1", "user/2"}, h.self.users)
}

func TestReauthRejectedForgetsUser(t *testing.T) {
	h := newHarness(t, Credentials{})
	h.login(t, "ada@example.com", "secret", "user/1")
	user := h.session.User()

	done := 0
	h.session.Reauth(func() { done++ })
	h.server.respond(t, TypeAuth, false)

	assert.Equal(t, 1, done)
	assert.False(t, h.session.Authed())
	assert.False(t, user.Hot())
	assert.Equal(t, "", h.self.last())
	assert.Equal(t, 2, h.changes)
	creds, _ := h.store.Load()
	assert.True(t, creds.Empty())
}

func TestReauthTransportError(t *testing.T) {
	h := newHarness(t, Credentials{Email: "ada@example.com", Password: "hashed"})

	done := 0
	h.session.Reauth(func() { done++ })
	c := h.server.pending(TypeAuth)
	require.NotNil(t, c)
	c.done = true
	c.cb(nil, rpc.ErrSessionLost)

	assert.Equal(t, 1, done)
	creds, _ := h.store.Load()
	assert.Equal(t, "ada@example.com", creds.Email, "kept for the next session")
}

func TestDeauth(t *testing.T) {
	h := newHarness(t, Credentials{})
	h.login(t, "ada@example.com", "secret", "user/1")
	user := h.session.User()

	h.session.Deauth()
	assert.False(t, h.session.Authed())
	assert.False(t, user.Hot())
	assert.Equal(t, "", h.self.last())
	assert.Equal(t, 1, h.conn.disconnects)
	assert.Equal(t, 1, h.conn.connects)
	assert.Equal(t, 2, h.changes)
	creds, _ := h.store.Load()
	assert.True(t, creds.Empty())

	done := 0
	h.session.Reauth(func() { done++ })
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, h.server.count(TypeAuth))
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t, Credentials{})

	var err error
	h.session.ChangePassword("a", "b", func(e error) { err = e })
	assert.ErrorIs(t, err, ErrNotAuthed)

	h.login(t, "ada@example.com", "secret", "user/1")

	h.session.ChangePassword("secret", "better", func(e error) { err = e })
	c := h.server.respond(t, TypePasswd, "better#")
	assert.Equal(t, "secret", c.payload["old"])
	assert.Equal(t, "better", c.payload["password"])
	require.NoError(t, err)
	creds, _ := h.store.Load()
	assert.Equal(t, Credentials{Email: "ada@example.com", Password: "better#"}, creds)

	h.session.ChangePassword("nope", "worse", func(e error) { err = e })
	h.server.respond(t, TypePasswd, false)
	assert.ErrorIs(t, err, ErrWrongPassword)
	creds, _ = h.store.Load()
	assert.Equal(t, "better#", creds.Password)
}

func TestResetPassword(t *testing.T) {
	h := newHarness(t, Credentials{})

	called := false
	h.session.ResetPassword("ada@example.com", func(err error) {
		called = true
		assert.NoError(t, err)
	})
	c := h.server.respond(t, TypeNewPassword, true)
	assert.Equal(t, "ada@example.com", c.payload["email"])
	assert.True(t, called)
	assert.False(t, h.session.Authed())
}

func TestUserInvalidated(t *testing.T) {
	h := newHarness(t, Credentials{})
	h.login(t, "ada@example.com", "secret", "user/1")

	delete(h.server.models, "user/1")
	h.cache.Resubscribe()
	h.server.serveSubs()

	assert.False(t, h.session.Authed())
	assert.Equal(t, "", h.self.last())
	assert.Equal(t, 2, h.changes)
	assert.NotPanics(t, h.session.Deauth)
}
