package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

const uid = "5b1f7c1e-2d3a-4c5b-9e8f-0a1b2c3d4e5f"

func TestGetMissing(t *testing.T) {
	s := NewFileStore(t.TempDir())
	_, err := s.Get(uid)
	assert.Assert(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestSetGet(t *testing.T) {
	s := NewFileStore(t.TempDir())
	want := Record{
		Name:             "Sam",
		Gender:           "female",
		Weight:           "62.5",
		Age:              "34",
		ActivityLevel:    ActivityModerate,
		HealthConditions: []string{"Diabetes"},
		Medications:      []string{"Metformin"},
		SetupCompleted:   true,
	}
	assert.NilError(t, s.Set(uid, want))

	got, err := s.Get(uid)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, want)
}

func TestUpdateMergesFields(t *testing.T) {
	s := NewFileStore(t.TempDir())
	assert.NilError(t, s.Set(uid, Record{Name: "Sam", Age: "34", Medications: []string{"lithium"}}))

	age := "35"
	conditions := []string{"kidney disease"}
	got, err := s.Update(uid, Patch{Age: &age, HealthConditions: &conditions})
	assert.NilError(t, err)
	assert.Equal(t, got.Name, "Sam")
	assert.Equal(t, got.Age, "35")
	assert.DeepEqual(t, got.HealthConditions, []string{"kidney disease"})
	assert.DeepEqual(t, got.Medications, []string{"lithium"})

	stored, err := s.Get(uid)
	assert.NilError(t, err)
	assert.DeepEqual(t, stored, got)
}

func TestUpdateCreates(t *testing.T) {
	s := NewFileStore(t.TempDir())
	done := true
	got, err := s.Update(uid, Patch{SetupCompleted: &done})
	assert.NilError(t, err)
	assert.Assert(t, got.SetupCompleted)
}

func TestRejectsBadUserID(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	for _, bad := range []string{"", "../etc/passwd", "not-a-uuid"} {
		err := s.Set(bad, Record{})
		assert.Assert(t, errors.Is(err, ErrInvalidUserID), "Set(%q) = %v", bad, err)
	}
	entries, err := os.ReadDir(dir)
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 0)
}

func TestCorruptProfile(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, uid+".yaml"), []byte("name: [oops"), 0600))
	_, err := NewFileStore(dir).Get(uid)
	assert.ErrorContains(t, err, "profile: parse")
}

func TestParsedFields(t *testing.T) {
	tests := []struct {
		age, weight string
		wantAge     int
		ageOK       bool
		wantWeight  float64
		weightOK    bool
	}{
		{"34", "62.5", 34, true, 62.5, true},
		{" 70 ", "80", 70, true, 80, true},
		{"", "", 0, false, 0, false},
		{"thirty", "heavy", 0, false, 0, false},
		{"-1", "-3", 0, false, 0, false},
	}
	for _, tt := range tests {
		r := Record{Age: tt.age, Weight: tt.weight}
		age, ok := r.AgeYears()
		assert.Equal(t, age, tt.wantAge)
		assert.Equal(t, ok, tt.ageOK)
		w, ok := r.WeightKg()
		assert.Equal(t, w, tt.wantWeight)
		assert.Equal(t, ok, tt.weightOK)
	}
}
