package fakeserver

import (
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// account is a registered login. token is what the server hands back in
// place of the password; either is accepted on login.
type account struct {
	password string
	token    string
	userID   string
}

func (a *account) accepts(password string) bool {
	return password != "" && (password == a.password || password == a.token)
}

func tokenFor(password string) string { return "tok:" + password }

// AddAccount registers a login and creates its user model from profile.
// It returns the user key.
func (s *Server) AddAccount(email, password string, profile map[string]any) string {
	data := copyFields(profile)
	data["email"] = email
	userID := s.Create("user", data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[email] = &account{password: password, token: tokenFor(password), userID: userID}
	return userID
}

// Token returns the stored password form for email.
func (s *Server) Token(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[email]; ok {
		return a.token
	}
	return ""
}

// SessionUser returns the user a session is logged in as, or "".
func (s *Server) SessionUser(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.user
	}
	return ""
}

// PasswordResets returns the emails password resets were asked for.
func (s *Server) PasswordResets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.resets...)
}

func handleAuth(s *Server, session string, req wire.Request) (any, error) {
	email, err := stringField(req.Payload, "email")
	if err != nil {
		return nil, err
	}
	password, _ := req.Payload["password"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[email]
	if !ok || !a.accepts(password) {
		return false, nil
	}
	if sess, ok := s.sessions[session]; ok {
		sess.user = a.userID
	}
	return map[string]any{"password": a.token, "userid": a.userID}, nil
}

func handlePasswd(s *Server, session string, req wire.Request) (any, error) {
	password, err := stringField(req.Payload, "password")
	if err != nil {
		return nil, err
	}
	old, _ := req.Payload["old"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[session]
	if !ok || sess.user == "" {
		return false, nil
	}
	for _, a := range s.accounts {
		if a.userID != sess.user {
			continue
		}
		if !a.accepts(old) {
			return false, nil
		}
		a.password, a.token = password, tokenFor(password)
		return a.token, nil
	}
	return false, nil
}

func handleNewPassword(s *Server, session string, req wire.Request) (any, error) {
	email, err := stringField(req.Payload, "email")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, email)
	return true, nil
}
