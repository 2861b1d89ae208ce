// Package profile stores the per-user health profile that drives the
// intake targets.
package profile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound      = errors.New("profile: not found")
	ErrInvalidUserID = errors.New("profile: invalid user id")
)

// Activity levels recognized by the intake rules.
const (
	ActivitySedentary  = "sedentary"
	ActivityLight      = "light"
	ActivityModerate   = "moderate"
	ActivityActive     = "active"
	ActivityVeryActive = "very_active"
)

// Record is a flat profile document. Weight and Age are kept as the
// strings the user entered; use WeightKg and AgeYears to read them.
type Record struct {
	Name             string   `yaml:"name" json:"name"`
	Gender           string   `yaml:"gender" json:"gender"`
	Weight           string   `yaml:"weight" json:"weight"`
	Age              string   `yaml:"age" json:"age"`
	ActivityLevel    string   `yaml:"activity_level" json:"activity_level"`
	HealthConditions []string `yaml:"health_conditions" json:"health_conditions"`
	Medications      []string `yaml:"medications" json:"medications"`
	SetupCompleted   bool     `yaml:"setup_completed" json:"setup_completed"`
}

// AgeYears parses Age. It reports false for blank or non-integer values.
func (r Record) AgeYears() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(r.Age))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// WeightKg parses Weight as a decimal.
func (r Record) WeightKg() (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(r.Weight), 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return f, true
}

// Patch holds a partial update; nil fields are left unchanged.
type Patch struct {
	Name             *string   `json:"name,omitempty"`
	Gender           *string   `json:"gender,omitempty"`
	Weight           *string   `json:"weight,omitempty"`
	Age              *string   `json:"age,omitempty"`
	ActivityLevel    *string   `json:"activity_level,omitempty"`
	HealthConditions *[]string `json:"health_conditions,omitempty"`
	Medications      *[]string `json:"medications,omitempty"`
	SetupCompleted   *bool     `json:"setup_completed,omitempty"`
}

// Apply returns r with the non-nil fields of p.
func (p Patch) Apply(r Record) Record {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Gender != nil {
		r.Gender = *p.Gender
	}
	if p.Weight != nil {
		r.Weight = *p.Weight
	}
	if p.Age != nil {
		r.Age = *p.Age
	}
	if p.ActivityLevel != nil {
		r.ActivityLevel = *p.ActivityLevel
	}
	if p.HealthConditions != nil {
		r.HealthConditions = append([]string(nil), (*p.HealthConditions)...)
	}
	if p.Medications != nil {
		r.Medications = append([]string(nil), (*p.Medications)...)
	}
	if p.SetupCompleted != nil {
		r.SetupCompleted = *p.SetupCompleted
	}
	return r
}

// Store reads and writes profiles keyed by user id.
type Store interface {
	Get(uid string) (Record, error)
	Set(uid string, r Record) error
	Update(uid string, p Patch) (Record, error)
}

// FileStore keeps one YAML document per user under dir.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(uid string) (string, error) {
	id, err := uuid.Parse(uid)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidUserID, "%q", uid)
	}
	return filepath.Join(s.dir, id.String()+".yaml"), nil
}

// Get returns ErrNotFound when the user has no profile yet.
func (s *FileStore) Get(uid string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(uid)
}

func (s *FileStore) getLocked(uid string) (Record, error) {
	path, err := s.path(uid)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "profile: read")
	}
	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Record{}, errors.Wrapf(err, "profile: parse %s", filepath.Base(path))
	}
	return r, nil
}

func (s *FileStore) Set(uid string, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(uid, r)
}

func (s *FileStore) setLocked(uid string, r Record) error {
	path, err := s.path(uid)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(&r)
	if err != nil {
		return errors.Wrap(err, "profile: encode")
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return errors.Wrap(err, "profile: create dir")
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrap(err, "profile: write")
	}
	return nil
}

// Update applies p to the stored profile, starting from an empty record
// when none exists.
func (s *FileStore) Update(uid string, p Patch) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.getLocked(uid)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}
	next := p.Apply(cur)
	if err := s.setLocked(uid, next); err != nil {
		return Record{}, err
	}
	return next, nil
}
