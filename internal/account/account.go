// Package account is the local identity service: email/password users
// with bcrypt hashes and a single signed-in session, persisted as YAML.
package account

import (
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidEmail       = errors.New("account: invalid email address")
	ErrWeakPassword       = errors.New("account: password must be at least 6 characters")
	ErrEmailTaken         = errors.New("account: email already registered")
	ErrInvalidCredentials = errors.New("account: invalid email or password")
	ErrInvalidToken       = errors.New("account: invalid verification token")
	ErrNotSignedIn        = errors.New("account: not signed in")
)

const minPasswordLen = 6

// User is the public view of an account.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Service is what the rest of the daemon needs from identity.
type Service interface {
	SignUp(email, password string) (*User, error)
	SignIn(email, password string) (*User, error)
	SignOut() error
	CurrentUser() (*User, bool)
	Verify(token string) error
}

type record struct {
	ID           string `yaml:"id"`
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
	Verified     bool   `yaml:"verified"`
	VerifyToken  string `yaml:"verify_token,omitempty"`
}

type file struct {
	Current string    `yaml:"current,omitempty"`
	Users   []*record `yaml:"users"`
}

// Store keeps accounts in a single YAML file.
type Store struct {
	path string
	cost int

	mu      sync.Mutex
	users   map[string]*record // keyed by normalized email
	current string             // user id
}

var _ Service = (*Store)(nil)

// Open loads the store at path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, cost: bcrypt.DefaultCost, users: make(map[string]*record)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "account: read store")
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "account: parse store")
	}
	for _, r := range f.Users {
		s.users[r.Email] = r
	}
	s.current = f.Current
	return s, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// SignUp creates an unverified account and signs it in. The verification
// token is logged since there is no mail transport.
func (s *Store) SignUp(email, password string) (*User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLen {
		return nil, ErrWeakPassword
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return nil, ErrEmailTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, errors.Wrap(err, "account: hash password")
	}
	r := &record{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		VerifyToken:  uuid.NewString(),
	}
	s.users[email] = r
	prev := s.current
	s.current = r.ID
	if err := s.saveLocked(); err != nil {
		delete(s.users, email)
		s.current = prev
		return nil, err
	}
	slog.Info("[ACCOUNT] signed up, verify with token", "email", email, "token", r.VerifyToken)
	return r.user(), nil
}

func (s *Store) SignIn(email, password string) (*User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.users[email]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(r.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	s.current = r.ID
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return r.user(), nil
}

func (s *Store) SignOut() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return ErrNotSignedIn
	}
	s.current = ""
	return s.saveLocked()
}

func (s *Store) CurrentUser() (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byIDLocked(s.current)
	if r == nil {
		return nil, false
	}
	return r.user(), true
}

// Verify marks the account holding token as verified.
func (s *Store) Verify(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.users {
		if r.VerifyToken != "" && r.VerifyToken == token {
			r.Verified = true
			r.VerifyToken = ""
			return s.saveLocked()
		}
	}
	return ErrInvalidToken
}

// VerificationToken returns the pending token for email, if any.
func (s *Store) VerificationToken(email string) (string, bool) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.users[email]
	if !ok || r.VerifyToken == "" {
		return "", false
	}
	return r.VerifyToken, true
}

func (s *Store) byIDLocked(id string) *record {
	if id == "" {
		return nil
	}
	for _, r := range s.users {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (s *Store) saveLocked() error {
	f := file{Current: s.current}
	for _, r := range s.users {
		f.Users = append(f.Users, r)
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return errors.Wrap(err, "account: encode store")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errors.Wrap(err, "account: create store dir")
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return errors.Wrap(err, "account: write store")
	}
	return nil
}

func (r *record) user() *User {
	return &User{ID: r.ID, Email: r.Email, EmailVerified: r.Verified}
}
