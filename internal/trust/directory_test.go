package trust

import (
	"path/filepath"
	"testing"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	d, err := NewDirectory(filepath.Join(t.TempDir(), "trust_test.db"))
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestLookupUnknownResolvesToGuest(t *testing.T) {
	d := testDirectory(t)

	p, err := d.Lookup("stranger")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if p.Level != Guest {
		t.Errorf("unknown person Level = %v, want Guest", p.Level)
	}
	if p.Autonomy != AutonomyReactive {
		t.Errorf("unknown person Autonomy = %d, want 1", p.Autonomy)
	}
}

func TestUpsertAndLookup(t *testing.T) {
	d := testDirectory(t)

	want := Person{ID: "alice", Name: "Alice", Level: Owner, Autonomy: AutonomyProtective}
	if err := d.Upsert(want); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	got, err := d.Lookup("alice")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if got != want {
		t.Errorf("Lookup() = %+v, want %+v", got, want)
	}
}

func TestUpsertReplacesRecord(t *testing.T) {
	d := testDirectory(t)

	if err := d.Upsert(Person{ID: "bob", Name: "Bob", Level: Member, Autonomy: 3}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if err := d.Upsert(Person{ID: "bob", Name: "Bob", Level: Guest, Autonomy: 1}); err != nil {
		t.Fatalf("Upsert(update) error: %v", err)
	}

	got, err := d.Lookup("bob")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if got.Level != Guest || got.Autonomy != 1 {
		t.Errorf("Lookup() = %+v, want demoted record", got)
	}
}

func TestUpsertValidation(t *testing.T) {
	d := testDirectory(t)

	if err := d.Upsert(Person{Name: "NoID", Level: Member, Autonomy: 2}); err == nil {
		t.Error("Upsert() with empty ID should error")
	}
	if err := d.Upsert(Person{ID: "x", Name: "X", Level: Member, Autonomy: 9}); err == nil {
		t.Error("Upsert() with out-of-range autonomy should error")
	}
}

func TestRemoveAndList(t *testing.T) {
	d := testDirectory(t)

	_ = d.Upsert(Person{ID: "a", Name: "A", Level: Member, Autonomy: 2})
	_ = d.Upsert(Person{ID: "b", Name: "B", Level: Owner, Autonomy: 4})

	if err := d.Remove("a"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	people, err := d.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(people) != 1 || people[0].ID != "b" {
		t.Errorf("List() = %+v, want only b", people)
	}

	// Removing a missing ID is a no-op.
	if err := d.Remove("nope"); err != nil {
		t.Errorf("Remove(missing) error: %v", err)
	}
}
