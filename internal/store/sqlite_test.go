// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers policy round trips, credential history trimming, attempts, and fingerprints.

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "devicelock.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestPolicyDefaults(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	p, err := s.Policy(context.Background())
	if err != nil {
		t.Fatalf("Policy failed: %v", err)
	}

	if p.MaximumAttempts != 0 {
		t.Errorf("MaximumAttempts = %d, want 0", p.MaximumAttempts)
	}
	if p.MinimumLength != 4 {
		t.Errorf("MinimumLength = %d, want 4", p.MinimumLength)
	}
	if p.AutomaticLocking >= 0 {
		t.Errorf("AutomaticLocking = %v, want disabled", p.AutomaticLocking)
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	want := Policy{
		MaximumAttempts:  5,
		MinimumLength:    5,
		MaximumLength:    8,
		CodeGeneration:   GenerationMandatory,
		MaximumAgeDays:   90,
		HistoryLength:    3,
		AutomaticLocking: 10 * time.Minute,
		InputIsKeyboard:  true,
		ManagerLock:      "recoverable",
	}

	if err := s.UpdatePolicy(ctx, want); err != nil {
		t.Fatalf("UpdatePolicy failed: %v", err)
	}

	got, err := s.Policy(ctx)
	if err != nil {
		t.Fatalf("Policy failed: %v", err)
	}
	if got != want {
		t.Errorf("Policy = %+v, want %+v", got, want)
	}
}

func TestWatchPolicy(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var seen []Policy
	s.WatchPolicy(func(p Policy) { seen = append(seen, p) })

	p := policyDefaults
	p.MaximumAttempts = 3
	if err := s.UpdatePolicy(context.Background(), p); err != nil {
		t.Fatalf("UpdatePolicy failed: %v", err)
	}

	if len(seen) != 1 || seen[0].MaximumAttempts != 3 {
		t.Errorf("watcher saw %+v, want one update with MaximumAttempts=3", seen)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Credential(ctx, KindSecurity); err != ErrNotFound {
		t.Fatalf("Credential on empty store = %v, want ErrNotFound", err)
	}

	c := &Credential{
		Kind:    KindSecurity,
		Salt:    []byte("salt"),
		Hash:    []byte("hash"),
		Time:    3,
		Memory:  64 * 1024,
		Threads: 4,
		SetAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := s.SetCredential(ctx, c); err != nil {
		t.Fatalf("SetCredential failed: %v", err)
	}

	got, err := s.Credential(ctx, KindSecurity)
	if err != nil {
		t.Fatalf("Credential failed: %v", err)
	}
	if string(got.Hash) != "hash" || got.Time != 3 {
		t.Errorf("Credential = %+v, want %+v", got, c)
	}

	if err := s.ClearCredential(ctx, KindSecurity); err != nil {
		t.Fatalf("ClearCredential failed: %v", err)
	}
	if _, err := s.Credential(ctx, KindSecurity); err != ErrNotFound {
		t.Errorf("Credential after clear = %v, want ErrNotFound", err)
	}
}

func TestCredentialHistoryTrimmed(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	p := policyDefaults
	p.HistoryLength = 2
	if err := s.UpdatePolicy(ctx, p); err != nil {
		t.Fatalf("UpdatePolicy failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		c := &Credential{
			Kind:    KindSecurity,
			Salt:    []byte{byte(i)},
			Hash:    []byte{byte(i)},
			Time:    1,
			Memory:  1024,
			Threads: 1,
			SetAt:   time.Now().UTC(),
		}
		if err := s.SetCredential(ctx, c); err != nil {
			t.Fatalf("SetCredential %d failed: %v", i, err)
		}
	}

	history, err := s.CredentialHistory(ctx, KindSecurity)
	if err != nil {
		t.Fatalf("CredentialHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	// Newest first: the hash archived last is the third credential written.
	if history[0].Hash[0] != 2 {
		t.Errorf("history[0].Hash = %v, want [2]", history[0].Hash)
	}
}

func TestAttemptsPersist(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	n, err := s.Attempts(ctx, KindSecurity)
	if err != nil || n != 0 {
		t.Fatalf("Attempts on empty store = %d, %v, want 0, nil", n, err)
	}

	if err := s.SetAttempts(ctx, KindSecurity, 4); err != nil {
		t.Fatalf("SetAttempts failed: %v", err)
	}
	n, err = s.Attempts(ctx, KindSecurity)
	if err != nil || n != 4 {
		t.Fatalf("Attempts = %d, %v, want 4, nil", n, err)
	}

	// Counters are per kind.
	n, err = s.Attempts(ctx, KindEncryption)
	if err != nil || n != 0 {
		t.Fatalf("encryption Attempts = %d, %v, want 0, nil", n, err)
	}
}

func TestFingerprintCRUD(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	fp := &Fingerprint{
		ID:         "fp-1",
		Name:       "Right thumb",
		Template:   []byte{1, 2, 3},
		AcquiredAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.AddFingerprint(ctx, fp); err != nil {
		t.Fatalf("AddFingerprint failed: %v", err)
	}

	if err := s.RenameFingerprint(ctx, "fp-1", "Left thumb"); err != nil {
		t.Fatalf("RenameFingerprint failed: %v", err)
	}

	fps, err := s.ListFingerprints(ctx)
	if err != nil {
		t.Fatalf("ListFingerprints failed: %v", err)
	}
	if len(fps) != 1 || fps[0].Name != "Left thumb" {
		t.Errorf("ListFingerprints = %+v, want one renamed entry", fps)
	}

	if err := s.RemoveFingerprint(ctx, "fp-1"); err != nil {
		t.Fatalf("RemoveFingerprint failed: %v", err)
	}
	if err := s.RemoveFingerprint(ctx, "fp-1"); err != ErrNotFound {
		t.Errorf("second RemoveFingerprint = %v, want ErrNotFound", err)
	}
}
