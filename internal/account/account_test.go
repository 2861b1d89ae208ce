package account

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	"gotest.tools/assert"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	s, err := Open(path)
	assert.NilError(t, err)
	s.cost = bcrypt.MinCost
	return s, path
}

func TestSignUpSignsIn(t *testing.T) {
	s, _ := openTestStore(t)

	u, err := s.SignUp("  Alice@Example.com ", "hunter22")
	assert.NilError(t, err)
	assert.Equal(t, u.Email, "alice@example.com")
	assert.Assert(t, !u.EmailVerified)
	assert.Assert(t, u.ID != "")

	cur, ok := s.CurrentUser()
	assert.Assert(t, ok)
	assert.Equal(t, cur.ID, u.ID)
}

func TestSignUpRejects(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.SignUp("alice@example.com", "hunter22")
	assert.NilError(t, err)

	tests := []struct {
		name     string
		email    string
		password string
		want     error
	}{
		{"bad email", "not-an-email", "hunter22", ErrInvalidEmail},
		{"short password", "bob@example.com", "abc", ErrWeakPassword},
		{"duplicate", "ALICE@example.com", "hunter22", ErrEmailTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SignUp(tt.email, tt.password)
			assert.Assert(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestSignInAndOut(t *testing.T) {
	s, _ := openTestStore(t)
	u, err := s.SignUp("alice@example.com", "hunter22")
	assert.NilError(t, err)
	assert.NilError(t, s.SignOut())

	_, ok := s.CurrentUser()
	assert.Assert(t, !ok)
	assert.Assert(t, errors.Is(s.SignOut(), ErrNotSignedIn))

	_, err = s.SignIn("alice@example.com", "wrong-password")
	assert.Assert(t, errors.Is(err, ErrInvalidCredentials))
	_, err = s.SignIn("nobody@example.com", "hunter22")
	assert.Assert(t, errors.Is(err, ErrInvalidCredentials))

	got, err := s.SignIn("Alice@Example.com", "hunter22")
	assert.NilError(t, err)
	assert.Equal(t, got.ID, u.ID)
}

func TestVerify(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.SignUp("alice@example.com", "hunter22")
	assert.NilError(t, err)

	token, ok := s.VerificationToken("alice@example.com")
	assert.Assert(t, ok)

	assert.Assert(t, errors.Is(s.Verify("bogus"), ErrInvalidToken))
	assert.Assert(t, errors.Is(s.Verify(""), ErrInvalidToken))
	assert.NilError(t, s.Verify(token))

	cur, _ := s.CurrentUser()
	assert.Assert(t, cur.EmailVerified)

	// Tokens are single use.
	assert.Assert(t, errors.Is(s.Verify(token), ErrInvalidToken))
	_, ok = s.VerificationToken("alice@example.com")
	assert.Assert(t, !ok)
}

func TestStorePersists(t *testing.T) {
	s, path := openTestStore(t)
	u, err := s.SignUp("alice@example.com", "hunter22")
	assert.NilError(t, err)

	info, err := os.Stat(path)
	assert.NilError(t, err)
	assert.Equal(t, info.Mode().Perm(), os.FileMode(0600))

	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Assert(t, !strings.Contains(string(data), "hunter22"), "password stored in clear text")

	reopened, err := Open(path)
	assert.NilError(t, err)
	cur, ok := reopened.CurrentUser()
	assert.Assert(t, ok)
	assert.Equal(t, cur.ID, u.ID)

	_, err = reopened.SignIn("alice@example.com", "hunter22")
	assert.NilError(t, err)
}

func TestOpenCorruptStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("users: {not: [a list"), 0600))
	_, err := Open(path)
	assert.ErrorContains(t, err, "account: parse store")
}
