package app

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echopal/internal/model"
	"echopal/internal/pkg/jwtutil"
)

type memUserStore struct {
	mu     sync.Mutex
	nextID uint
	users  []*model.User
}

func (m *memUserStore) Create(user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	user.ID = m.nextID
	m.users = append(m.users, user)
	return nil
}

func (m *memUserStore) find(match func(*model.User) bool) *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			return u
		}
	}
	return nil
}

func (m *memUserStore) GetByUsername(username string) (*model.User, error) {
	return m.find(func(u *model.User) bool { return u.Username == username }), nil
}

func (m *memUserStore) GetByEmail(email string) (*model.User, error) {
	return m.find(func(u *model.User) bool { return u.Email == email }), nil
}

func (m *memUserStore) GetByID(id uint) (*model.User, error) {
	return m.find(func(u *model.User) bool { return u.ID == id }), nil
}

func newTestAuth() (*AuthService, *memUserStore) {
	store := &memUserStore{}
	return NewAuthService(store, "test-secret", time.Hour), store
}

func TestAuth_RegisterAndLogin(t *testing.T) {
	svc, _ := newTestAuth()

	reg, err := svc.Register(RegisterInput{Username: "alice", Email: "Alice@Bank.com", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, reg.User.Role)
	assert.Equal(t, "alice@bank.com", reg.User.Email)

	login, err := svc.Login(LoginInput{Username: "alice", Password: "password123"})
	require.NoError(t, err)

	claims, err := jwtutil.ParseToken("test-secret", login.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, claims.UserID)
	assert.Equal(t, model.RoleUser, claims.Role)

	_, err = svc.Login(LoginInput{Username: "alice", Password: "wrong-password"})
	assert.ErrorIs(t, err, ErrInvalidCredential)
	_, err = svc.Login(LoginInput{Username: "nobody", Password: "password123"})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestAuth_RegisterValidation(t *testing.T) {
	svc, _ := newTestAuth()
	_, err := svc.Register(RegisterInput{Username: "bob", Email: "bob@bank.com", Password: "password123"})
	require.NoError(t, err)

	_, err = svc.Register(RegisterInput{Username: "bob", Email: "other@bank.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrUsernameExists)
	_, err = svc.Register(RegisterInput{Username: "bobby", Email: "BOB@bank.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrEmailExists)
	_, err = svc.Register(RegisterInput{Username: "carol", Email: "carol@bank.com", Password: "short"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuth_EnsureAdmin(t *testing.T) {
	svc, store := newTestAuth()

	admin, err := svc.EnsureAdmin("admin", "admin@echopal.local", "admin-password")
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin())

	again, err := svc.EnsureAdmin("admin", "admin@echopal.local", "admin-password")
	require.NoError(t, err)
	assert.Equal(t, admin.ID, again.ID)
	assert.Len(t, store.users, 1)

	login, err := svc.Login(LoginInput{Username: "admin", Password: "admin-password"})
	require.NoError(t, err)
	claims, err := jwtutil.ParseToken("test-secret", login.Token)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, claims.Role)
}
