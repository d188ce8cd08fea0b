package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Directory and Provisioner for tests, examples and
// the load generator.
type Memory struct {
	mu         sync.RWMutex
	users      map[string]User
	auths      map[string]Authenticator
	identities map[string]string // provider + "\x00" + uid -> user id
	clock      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:      make(map[string]User),
		auths:      make(map[string]Authenticator),
		identities: make(map[string]string),
		clock:      time.Now,
	}
}

func (m *Memory) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) FindByIdentifier(ctx context.Context, identifier string) (*User, error) {
	want := NormalizeIdentifier(identifier)
	if want == "" {
		return nil, ErrUserNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if NormalizeIdentifier(u.Email) == want ||
			(u.Username != "" && NormalizeIdentifier(u.Username) == want) ||
			(u.Phone != "" && u.Phone == want) {
			u := u
			return &u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *Memory) FindByExternalIdentity(ctx context.Context, providerID, externalUID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.identities[providerID+"\x00"+externalUID]
	if !ok {
		return nil, ErrUserNotFound
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) ListAuthenticators(ctx context.Context, userID string) ([]Authenticator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Authenticator
	for _, a := range m.auths {
		if a.UserID == userID {
			a.Metadata = a.Metadata.Clone()
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) AddAuthenticator(ctx context.Context, a Authenticator) (Authenticator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[a.UserID]; !ok {
		return Authenticator{}, ErrUserNotFound
	}
	if a.Kind == KindPassword {
		for _, existing := range m.auths {
			if existing.UserID == a.UserID && existing.Kind == KindPassword {
				return Authenticator{}, ErrDuplicatePassword
			}
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.clock()
	}
	a.Metadata = a.Metadata.Clone()
	m.auths[a.ID] = a
	return a, nil
}

func (m *Memory) UpdateAuthenticator(ctx context.Context, a Authenticator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.auths[a.ID]
	if !ok {
		return ErrAuthenticatorNotFound
	}
	cur.Secret = a.Secret
	cur.Metadata = a.Metadata.Clone()
	m.auths[a.ID] = cur
	return nil
}

func (m *Memory) CompareAndSwapMetadata(ctx context.Context, id string, prev, next Metadata) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.auths[id]
	if !ok {
		return false, ErrAuthenticatorNotFound
	}
	if !cur.Metadata.Equal(prev) {
		return false, nil
	}
	cur.Metadata = next.Clone()
	m.auths[id] = cur
	return true, nil
}

func (m *Memory) RemoveAuthenticator(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.auths[id]; !ok {
		return ErrAuthenticatorNotFound
	}
	delete(m.auths, id)
	return nil
}

func (m *Memory) RecordAuthenticatorUsage(ctx context.Context, authenticatorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.auths[authenticatorID]
	if !ok {
		return ErrAuthenticatorNotFound
	}
	a.LastUsedAt = at
	m.auths[authenticatorID] = a
	return nil
}

func (m *Memory) CreateUser(ctx context.Context, u User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := NormalizeIdentifier(u.Email)
	for _, existing := range m.users {
		if email != "" && NormalizeIdentifier(existing.Email) == email {
			return nil, ErrDuplicateUser
		}
		if u.Username != "" && NormalizeIdentifier(existing.Username) == NormalizeIdentifier(u.Username) {
			return nil, ErrDuplicateUser
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.clock()
	}
	m.users[u.ID] = u
	return &u, nil
}

func (m *Memory) LinkExternalIdentity(ctx context.Context, link ExternalIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[link.UserID]; !ok {
		return ErrUserNotFound
	}
	key := link.ProviderID + "\x00" + link.ExternalUID
	if _, ok := m.identities[key]; ok {
		return ErrDuplicateIdentity
	}
	m.identities[key] = link.UserID
	return nil
}

func (m *Memory) MarkEmailVerified(ctx context.Context, userID string) error {
	return m.updateUser(userID, func(u *User) { u.EmailVerified = true })
}

func (m *Memory) MarkPhoneVerified(ctx context.Context, userID string) error {
	return m.updateUser(userID, func(u *User) { u.PhoneVerified = true })
}

func (m *Memory) updateUser(id string, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	fn(&u)
	m.users[id] = u
	return nil
}
