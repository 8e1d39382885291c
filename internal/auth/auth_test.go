package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/scottpeterman/velociterm/internal/crypto"
	"github.com/scottpeterman/velociterm/internal/database"
)

func cheapHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	prev := database.DB
	database.DB = db
	t.Cleanup(func() {
		database.Close()
		database.DB = prev
	})
}

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatal(err)
	}
	sealer, err := crypto.NewSealer(&k)
	if err != nil {
		t.Fatal(err)
	}
	return NewSessionStore(sealer)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !CheckPassword("s3cret", hash) {
		t.Error("correct password rejected")
	}
	if CheckPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
}

func TestDatabaseBackend(t *testing.T) {
	setupTestDB(t)
	database.CreateUser(&database.User{
		Username:     "alice",
		PasswordHash: cheapHash(t, "secret"),
		Role:         RoleAdmin,
		Groups:       "netops",
	})

	var b DatabaseBackend
	id, err := b.Authenticate(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	want := &Identity{Username: "alice", Groups: []string{"netops"}, Role: RoleAdmin, Method: "local"}
	if !reflect.DeepEqual(id, want) {
		t.Errorf("identity = %+v, want %+v", id, want)
	}
	if !id.IsAdmin() {
		t.Error("admin identity not admin")
	}

	if _, err := b.Authenticate(context.Background(), "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, err := b.Authenticate(context.Background(), "nobody", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v", err)
	}
}

func TestStaticBackend(t *testing.T) {
	data := []byte(`
users:
  - username: bob
    password_hash: ` + cheapHash(t, "hunter2") + `
    groups: [ops, lab]
  - username: carol
    password_hash: ` + cheapHash(t, "pw") + `
    role: admin
`)
	path := filepath.Join(t.TempDir(), "users.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	b, err := LoadStaticBackend(path)
	if err != nil {
		t.Fatalf("LoadStaticBackend: %v", err)
	}

	id, err := b.Authenticate(context.Background(), "bob", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Role != RoleUser || id.Method != "static" || !reflect.DeepEqual(id.Groups, []string{"ops", "lab"}) {
		t.Errorf("identity = %+v", id)
	}
	if id, _ := b.Authenticate(context.Background(), "carol", "pw"); !id.IsAdmin() {
		t.Error("carol should be admin")
	}
	if _, err := b.Authenticate(context.Background(), "bob", "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
}

func TestParseStaticBackendRejects(t *testing.T) {
	tests := map[string]string{
		"not yaml":     "users: [",
		"missing hash": "users:\n  - username: a\n",
		"duplicate":    "users:\n  - {username: a, password_hash: x}\n  - {username: a, password_hash: y}\n",
		"unknown role": "users:\n  - {username: a, password_hash: x, role: root}\n",
	}
	for name, data := range tests {
		if _, err := ParseStaticBackend([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := LoadStaticBackend(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: expected error")
	}
}

type fakeBackend struct {
	name string
	err  error
	id   *Identity
	hits int
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Authenticate(ctx context.Context, username, secret string) (*Identity, error) {
	f.hits++
	return f.id, f.err
}

func TestChain(t *testing.T) {
	reject := &fakeBackend{name: "a", err: ErrInvalidCredentials}
	accept := &fakeBackend{name: "b", id: &Identity{Username: "u", Method: "b"}}
	after := &fakeBackend{name: "c", id: &Identity{Username: "u", Method: "c"}}

	id, err := Chain{reject, accept, after}.Authenticate(context.Background(), "u", "p")
	if err != nil || id.Method != "b" {
		t.Fatalf("got %+v, %v; want backend b", id, err)
	}
	if after.hits != 0 {
		t.Error("chain kept going after a success")
	}

	if _, err := (Chain{reject}).Authenticate(context.Background(), "u", "p"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("all reject: got %v", err)
	}

	broken := &fakeBackend{name: "x", err: errors.New("ldap down")}
	if _, err := (Chain{broken, accept}).Authenticate(context.Background(), "u", "p"); err == nil || errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("backend failure: got %v, want the backend error", err)
	}
}

func TestSessionStore(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.nowFn = func() time.Time { return now }

	cookie, err := s.Create(Identity{Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	id, ok := s.Get(cookie)
	if !ok || id.Username != "alice" {
		t.Fatalf("Get = %+v, %v", id, ok)
	}

	// Sliding expiry: activity every 50 minutes keeps the session alive.
	for i := 0; i < 3; i++ {
		now = now.Add(50 * time.Minute)
		if _, ok := s.Get(cookie); !ok {
			t.Fatalf("session expired despite activity (step %d)", i)
		}
	}
	now = now.Add(61 * time.Minute)
	if _, ok := s.Get(cookie); ok {
		t.Fatal("session survived an hour of inactivity")
	}
	if n := s.Cleanup(); n != 1 || s.Len() != 0 {
		t.Errorf("Cleanup removed %d, %d left", n, s.Len())
	}
}

func TestSessionStoreRejectsForgedCookies(t *testing.T) {
	s := newTestStore(t)
	other := newTestStore(t)
	cookie, _ := other.Create(Identity{Username: "mallory"})

	for _, v := range []string{"", "deadbeef", cookie} {
		if _, ok := s.Get(v); ok {
			t.Errorf("Get(%q) accepted", v)
		}
	}
}

func TestSessionStoreDelete(t *testing.T) {
	s := newTestStore(t)
	c1, _ := s.Create(Identity{Username: "alice"})
	c2, _ := s.Create(Identity{Username: "alice"})
	c3, _ := s.Create(Identity{Username: "bob"})

	s.Delete(c1)
	if _, ok := s.Get(c1); ok {
		t.Error("deleted session still valid")
	}
	s.DeleteByUsername("alice")
	if _, ok := s.Get(c2); ok {
		t.Error("alice session survived DeleteByUsername")
	}
	if _, ok := s.Get(c3); !ok {
		t.Error("bob session removed")
	}
	s.Delete("garbage")
}
