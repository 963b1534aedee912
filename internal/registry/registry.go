// Package registry tracks live controller sessions and fans out messages to
// them. All state is guarded by a single mutex; sends happen outside the
// lock against a snapshot so a slow peer never blocks registration.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/CodeneAria/actingdoll/api"
	"github.com/CodeneAria/actingdoll/internal/svcfields"
)

// ErrUnknownSession is returned when a message targets a session id that is
// not registered.
var ErrUnknownSession = errors.New("registry: unknown session")

// Sender delivers one JSON-encodable message to a connected peer. Sends on
// the same Sender are serialized by the implementation.
type Sender interface {
	Send(v any) error
	Close() error
}

// Session is a live connection known to the registry. Mutable fields are
// guarded by the session's own mutex so callers can read them without
// holding the registry lock.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	sender Sender

	mu            sync.Mutex
	role          api.Role
	authenticated bool
}

// Role reports the role the peer identified as, or RoleUnknown.
func (s *Session) Role() api.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Authenticated reports whether the peer has passed the auth gate.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Send delivers v to the session's peer.
func (s *Session) Send(v any) error { return s.sender.Send(v) }

// Registry is the authoritative map of connected sessions.
type Registry struct {
	log pslog.Logger

	// onSendFailure is invoked for every failed delivery, before the
	// session is pruned. Used for telemetry.
	onSendFailure func(id string)

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithSendFailureHook registers fn to run whenever a delivery to a session
// fails.
func WithSendFailureHook(fn func(id string)) Option {
	return func(r *Registry) { r.onSendFailure = fn }
}

// New returns an empty registry.
func New(logger pslog.Logger, opts ...Option) *Registry {
	r := &Registry{
		log:      svcfields.WithSubsystem(logger, "registry"),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a session and announces it to every other peer. The connect
// notice carries the total including the newcomer.
func (r *Registry) Register(id, remoteAddr string, sender Sender) *Session {
	sess := &Session{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		sender:      sender,
		role:        api.RoleUnknown,
	}
	r.mu.Lock()
	r.sessions[id] = sess
	total := len(r.sessions)
	r.mu.Unlock()

	r.log.Debug("session registered", "client_id", id, "total_clients", total)
	r.Broadcast(api.ConnectNotice{
		Type:         api.TypeClientConnected,
		ClientID:     id,
		TotalClients: total,
		Timestamp:    api.Timestamp(),
	}, id)
	return sess
}

// Unregister removes a session and tells the remaining peers. The
// disconnect notice carries the total after removal. Unregistering an
// unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	total := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = sess.sender.Close()

	r.log.Debug("session unregistered", "client_id", id, "total_clients", total)
	r.Broadcast(api.DisconnectNotice{
		Type:         api.TypeClientDisconnected,
		ClientID:     id,
		TotalClients: total,
		Timestamp:    api.Timestamp(),
	})
}

// Lookup returns the session for id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Len reports the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// MarkAuthenticated records that the session passed the auth gate.
func (r *Registry) MarkAuthenticated(id string) bool {
	sess, ok := r.Lookup(id)
	if !ok {
		return false
	}
	sess.mu.Lock()
	sess.authenticated = true
	sess.mu.Unlock()
	return true
}

// SetRole records the role a session identified as. The first identify
// wins; later attempts are ignored so a peer cannot flip roles mid-session.
func (r *Registry) SetRole(id string, role api.Role) bool {
	sess, ok := r.Lookup(id)
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.role != api.RoleUnknown {
		return false
	}
	sess.role = role
	return true
}

// List returns every session id, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// ListOther returns every session id except exclude, sorted. When role is
// not RoleUnknown only sessions with that role are included.
func (r *Registry) ListOther(exclude string, role api.Role) []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if id == exclude {
			continue
		}
		if role != api.RoleUnknown && sess.Role() != role {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// ListVisible returns the session ids a caller should see: peers that
// identified as render clients, minus the caller. Tool callers and peers
// that never identified are control traffic, not drivable avatars.
func (r *Registry) ListVisible(exclude string) []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if id == exclude || sess.Role() != api.RoleRenderClient {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// SendTo delivers v to a single session.
func (r *Registry) SendTo(id string, v any) error {
	sess, ok := r.Lookup(id)
	if !ok {
		return ErrUnknownSession
	}
	if err := sess.Send(v); err != nil {
		r.sendFailed(id, err)
		return err
	}
	return nil
}

// Broadcast delivers v to every session except the excluded ids. A failed
// delivery is logged and the recipient pruned after the pass; it never
// aborts delivery to the rest.
func (r *Registry) Broadcast(v any, exclude ...string) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if skip[id] {
			continue
		}
		targets = append(targets, sess)
	}
	r.mu.Unlock()

	var failed []string
	for _, sess := range targets {
		if err := sess.Send(v); err != nil {
			r.sendFailed(sess.ID, err)
			failed = append(failed, sess.ID)
		}
	}
	for _, id := range failed {
		r.Unregister(id)
	}
}

// CloseAll sends v to every session and tears the registry down. Used for
// the shutdown announcement.
func (r *Registry) CloseAll(v any) {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		targets = append(targets, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range targets {
		if v != nil {
			_ = sess.Send(v)
		}
		_ = sess.sender.Close()
	}
}

func (r *Registry) sendFailed(id string, err error) {
	r.log.Warn("send failed", "client_id", id, "error", err)
	if r.onSendFailure != nil {
		r.onSendFailure(id)
	}
}
