package registry

import (
	"errors"
	"regexp"
	"sort"
	"sync"

	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/model"
)

const (
	minNameLength = 3
	maxNameLength = 20
)

var (
	ErrNameTooShort = errors.New("username must be at least 3 characters")
	ErrNameTooLong  = errors.New("username must be at most 20 characters")
	ErrNameInvalid  = errors.New("username can only contain letters, numbers, and underscores")
	ErrNameTaken    = errors.New("username is already taken")

	nameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Registry tracks active sessions and enforces display name
// uniqueness. Name check and insert happen under one lock.
type Registry struct {
	mx     *sync.Mutex
	byConn map[string]*model.Session
	byName map[string]string
}

func New() *Registry {
	return &Registry{
		mx:     &sync.Mutex{},
		byConn: make(map[string]*model.Session),
		byName: make(map[string]string),
	}
}

func validateName(name string) error {
	if len(name) < minNameLength {
		return ErrNameTooShort
	}
	if len(name) > maxNameLength {
		return ErrNameTooLong
	}
	if !nameRe.MatchString(name) {
		return ErrNameInvalid
	}
	return nil
}

// Register admits connID under name. On success it returns the full
// session list including the new session. No state is mutated on
// failure.
func (r *Registry) Register(connID, name string) ([]model.Session, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.byName[name]; ok {
		return nil, ErrNameTaken
	}
	r.byConn[connID] = &model.Session{
		ID:   connID,
		Name: name,
	}
	r.byName[name] = connID
	return r.list(), nil
}

// Unregister removes the session if present and returns the freed
// display name. It is a no-op for connections that never registered.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	sess, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	delete(r.byName, sess.Name)
	return sess.Name, true
}

func (r *Registry) IsRegistered(connID string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.byConn[connID]
	return ok
}

func (r *Registry) Lookup(connID string) (model.Session, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	sess, ok := r.byConn[connID]
	if !ok {
		return model.Session{}, false
	}
	return *sess, true
}

// LookupName resolves a display name to its connection id.
func (r *Registry) LookupName(name string) (string, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	connID, ok := r.byName[name]
	return connID, ok
}

func (r *Registry) SetInCall(connID string, inCall bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if sess, ok := r.byConn[connID]; ok {
		sess.InCall = inCall
	}
}

// List returns all active sessions sorted by name.
func (r *Registry) List() []model.Session {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.list()
}

func (r *Registry) list() []model.Session {
	sessions := make([]model.Session, 0, len(r.byConn))
	for _, sess := range r.byConn {
		sessions = append(sessions, *sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Name < sessions[j].Name
	})
	return sessions
}

func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.byConn)
}
