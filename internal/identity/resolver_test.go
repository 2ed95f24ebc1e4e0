package identity

import (
	"errors"
	"testing"

	"github.com/hearthd/hearth/internal/trust"
)

// fakeDirectory returns canned records keyed by person ID.
type fakeDirectory struct {
	people map[string]trust.Person
	err    error
}

func (f *fakeDirectory) Lookup(id string) (trust.Person, error) {
	if f.err != nil {
		return trust.GuestPerson(), f.err
	}
	if p, ok := f.people[id]; ok {
		return p, nil
	}
	return trust.GuestPerson(), nil
}

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	dir := &fakeDirectory{people: map[string]trust.Person{
		"alice": {ID: "alice", Name: "Alice", Level: trust.Owner, Autonomy: 4},
	}}
	return NewResolver(dir, 0.75, nil)
}

func TestResolveBoundSpeaker(t *testing.T) {
	r := testResolver(t)
	r.Bind(Binding{SessionID: "s1", PersonID: "alice", Confidence: 0.92})

	p, conf := r.ResolveSpeaker("s1")
	if p.Level != trust.Owner {
		t.Errorf("Level = %v, want Owner", p.Level)
	}
	if conf != 0.92 {
		t.Errorf("confidence = %v, want 0.92", conf)
	}
}

func TestLowConfidenceResolvesToGuest(t *testing.T) {
	r := testResolver(t)
	r.Bind(Binding{SessionID: "s1", PersonID: "alice", Confidence: 0.5})

	p, _ := r.ResolveSpeaker("s1")
	if p.Level != trust.Guest {
		t.Errorf("Level = %v, want Guest for low-confidence binding", p.Level)
	}
}

func TestUnknownSessionResolvesToGuest(t *testing.T) {
	r := testResolver(t)

	p, conf := r.ResolveSpeaker("never-bound")
	if p.Level != trust.Guest || conf != 0 {
		t.Errorf("ResolveSpeaker() = %v/%v, want Guest/0", p.Level, conf)
	}
}

func TestDirectoryFailureResolvesToGuest(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("db locked")}
	r := NewResolver(dir, 0.75, nil)
	r.Bind(Binding{SessionID: "s1", PersonID: "alice", Confidence: 0.99})

	p, _ := r.ResolveSpeaker("s1")
	if p.Level != trust.Guest {
		t.Errorf("Level = %v, want Guest on directory failure", p.Level)
	}
}

func TestUnbind(t *testing.T) {
	r := testResolver(t)
	r.Bind(Binding{SessionID: "s1", PersonID: "alice", Confidence: 0.9})
	r.Unbind("s1")

	p, _ := r.ResolveSpeaker("s1")
	if p.Level != trust.Guest {
		t.Errorf("Level = %v, want Guest after Unbind", p.Level)
	}
}
