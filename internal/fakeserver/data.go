package fakeserver

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/croquet-sync/croquet-go/pkg/subscription"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// Handler errors. Their text is what clients receive as the response error.
var (
	ErrValidation  = errors.New("message failed validation")
	ErrInvalidKey  = errors.New("invalid key")
	ErrInvalidType = errors.New("invalid type")
)

// Presence states on the wire.
const (
	PresenceOffline = 0
	PresenceOnline  = 1
	PresenceAway    = 2
)

func (s *Server) installHandlers() {
	s.handlers["ping"] = handlePing
	s.handlers["sub"] = handleSub
	s.handlers["unsub"] = handleUnsub
	s.handlers["create"] = handleCreate
	s.handlers["update"] = handleUpdate
	s.handlers["delete"] = handleDelete
	s.handlers["query"] = handleQuery
	s.handlers["sub-presence"] = handleSubPresence
	s.handlers["unsub-presence"] = handleUnsubPresence
	s.handlers["error"] = handleClientError
	s.handlers["auth"] = handleAuth
	s.handlers["passwd"] = handlePasswd
	s.handlers["newpw"] = handleNewPassword
}

func stringField(p wire.Payload, name string) (string, error) {
	v, ok := p[name].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrValidation, name)
	}
	return v, nil
}

func handlePing(*Server, string, wire.Request) (any, error) {
	return true, nil
}

func handleSub(s *Server, session string, req wire.Request) (any, error) {
	key, err := stringField(req.Payload, "key")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[key][session] {
		return true, nil
	}

	value, ok := s.valueLocked(key)
	if !ok {
		return false, nil
	}
	if s.subs[key] == nil {
		s.subs[key] = make(map[string]bool)
	}
	s.subs[key][session] = true
	return value, nil
}

func handleUnsub(s *Server, session string, req wire.Request) (any, error) {
	key, err := stringField(req.Payload, "key")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[key], session)
	if len(s.subs[key]) == 0 {
		delete(s.subs, key)
	}
	return true, nil
}

// valueLocked returns the current value of a key: the field map of a model
// or the member keys of a relation.
func (s *Server) valueLocked(key string) (any, bool) {
	if subscription.IsModelKey(key) {
		m, ok := s.models[key]
		if !ok {
			return nil, false
		}
		return copyFields(m), true
	}

	rk, ok := subscription.ParseRelationKey(key)
	if !ok {
		return nil, false
	}
	if s.types != nil && !s.types[rk.Type] {
		return nil, false
	}
	members := []any{}
	for _, k := range s.order {
		if s.inRelation(rk, s.models[k]) {
			members = append(members, k)
		}
	}
	return members, true
}

func (s *Server) inRelation(rk subscription.RelationKey, m map[string]any) bool {
	if m == nil || subscription.KeyType(m["_id"].(string)) != rk.Type {
		return false
	}
	ref, _ := m[rk.Field].(string)
	return ref == rk.ID
}

func handleCreate(s *Server, session string, req wire.Request) (any, error) {
	typ, err := stringField(req.Payload, "type")
	if err != nil {
		return nil, err
	}
	data, ok := req.Payload["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: data must be an object", ErrValidation)
	}
	if s.types != nil && !s.types[typ] {
		return nil, ErrInvalidType
	}
	return s.Create(typ, data), nil
}

// Create stores a new model and publishes its relation memberships.
// It returns the new model key.
func (s *Server) Create(typ string, data map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID[typ]++
	key := subscription.ModelKey(typ, strconv.Itoa(s.nextID[typ]))
	m := copyFields(data)
	m["_id"] = key
	s.models[key] = m
	s.order = append(s.order, key)

	s.publishMembershipLocked(nil, m)
	return key
}

func handleUpdate(s *Server, session string, req wire.Request) (any, error) {
	key, err := stringField(req.Payload, "key")
	if err != nil {
		return nil, err
	}
	diff, ok := req.Payload["diff"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: diff must be an object", ErrValidation)
	}
	if err := s.Update(key, diff); err != nil {
		return nil, err
	}
	return true, nil
}

// Update applies a field diff to a model and publishes it. Nil values in
// diff delete the field.
func (s *Server) Update(key string, diff map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[key]
	if !ok {
		return ErrInvalidKey
	}
	before := copyFields(m)

	pub := make(map[string]any, len(diff))
	for field, v := range diff {
		if field == "_id" {
			continue
		}
		if v == nil {
			delete(m, field)
		} else {
			m[field] = v
		}
		pub[field] = v
	}

	for session := range s.subs[key] {
		s.pushLocked(session, pubMessage(key, pub))
	}
	s.publishMembershipLocked(before, m)
	return nil
}

func handleDelete(s *Server, session string, req wire.Request) (any, error) {
	key, err := stringField(req.Payload, "key")
	if err != nil {
		return nil, err
	}
	if err := s.Update(key, map[string]any{"deleted": true}); err != nil {
		return nil, err
	}
	return true, nil
}

// Remove deletes a model outright, publishing its removal from relations.
func (s *Server) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[key]
	if !ok {
		return
	}
	delete(s.models, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.publishMembershipLocked(m, nil)
}

// publishMembershipLocked sends relation diffs for a model whose fields
// changed from before to after. Either may be nil.
func (s *Server) publishMembershipLocked(before, after map[string]any) {
	var key string
	if after != nil {
		key = after["_id"].(string)
	} else {
		key = before["_id"].(string)
	}

	for subKey, sessions := range s.subs {
		rk, ok := subscription.ParseRelationKey(subKey)
		if !ok {
			continue
		}
		was := s.inRelation(rk, before)
		is := s.inRelation(rk, after)
		if was == is {
			continue
		}

		diff := map[string]any{"add": []any{}, "remove": []any{}}
		if is {
			diff["add"] = []any{key}
		} else {
			diff["remove"] = []any{key}
		}
		for session := range sessions {
			s.pushLocked(session, pubMessage(subKey, diff))
		}
	}
}

func pubMessage(key string, diff any) wire.Message {
	return wire.Message{Type: wire.TypePub, Payload: wire.Payload{"key": key, "diff": diff}}
}

func handleQuery(s *Server, session string, req wire.Request) (any, error) {
	typ, err := stringField(req.Payload, "type")
	if err != nil {
		return nil, err
	}
	params, _ := req.Payload["params"].(map[string]any)
	sortField, _ := req.Payload["sort"].(string)
	offset, _ := wire.AsInt(req.Payload["offset"])
	limit, _ := wire.AsInt(req.Payload["limit"])

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []map[string]any
	for _, k := range s.order {
		m := s.models[k]
		if subscription.KeyType(k) != typ || m["deleted"] == true {
			continue
		}
		if matchesParams(m, params) {
			matched = append(matched, m)
		}
	}

	if sortField != "" {
		desc := strings.HasPrefix(sortField, "-")
		field := strings.TrimPrefix(sortField, "-")
		sort.SliceStable(matched, func(i, j int) bool {
			a, b := fmt.Sprint(matched[i][field]), fmt.Sprint(matched[j][field])
			if desc {
				return a > b
			}
			return a < b
		})
	}

	if offset > 0 {
		if int(offset) >= len(matched) {
			matched = nil
		} else {
			matched = matched[offset:]
		}
	}
	if limit > 0 && int(limit) < len(matched) {
		matched = matched[:limit]
	}

	ids := make([]any, len(matched))
	for i, m := range matched {
		ids[i] = m["_id"]
	}
	return ids, nil
}

func matchesParams(m, params map[string]any) bool {
	for k, want := range params {
		got, ok := m[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) && !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func handleSubPresence(s *Server, session string, req wire.Request) (any, error) {
	user, err := stringField(req.Payload, "user")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presenceSub[user] == nil {
		s.presenceSub[user] = make(map[string]bool)
	}
	s.presenceSub[user][session] = true
	s.pushLocked(session, presenceMessage(user, s.presence[user]))
	return true, nil
}

func handleUnsubPresence(s *Server, session string, req wire.Request) (any, error) {
	user, err := stringField(req.Payload, "user")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presenceSub[user], session)
	return true, nil
}

// SetPresence records a user's presence state and pushes it to watchers.
func (s *Server) SetPresence(user string, state int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[user] = state
	for session := range s.presenceSub[user] {
		s.pushLocked(session, presenceMessage(user, state))
	}
}

// PresenceWatchers returns how many sessions watch user.
func (s *Server) PresenceWatchers(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.presenceSub[user])
}

func presenceMessage(user string, state int) wire.Message {
	return wire.Message{Type: wire.TypePresence, Payload: wire.Payload{"user": user, "state": int64(state)}}
}

func handleClientError(s *Server, session string, req wire.Request) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientErrs = append(s.clientErrs, req.Payload["data"])
	return nil, nil
}

// ClientErrors returns the error reports received from clients.
func (s *Server) ClientErrors() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.clientErrs...)
}

// Subscribers returns how many sessions are subscribed to key.
func (s *Server) Subscribers(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[key])
}

// Model returns a copy of a stored model.
func (s *Server) Model(key string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[key]
	if !ok {
		return nil, false
	}
	return copyFields(m), true
}

func copyFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
