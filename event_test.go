package escore

import (
	"errors"
	"slices"
	"testing"
)

func TestStreamID(t *testing.T) {
	tests := []struct {
		name    string
		id      StreamID
		str     string
		invalid bool
	}{
		{name: "simple", id: NewStreamID("account", "42"), str: "account-42"},
		{name: "uuid id", id: NewStreamID("account", "5f1c-aa"), str: "account-5f1c-aa"},
		{name: "empty id", id: NewStreamID("account", ""), str: "account-", invalid: true},
		{name: "empty type", id: NewStreamID("", "42"), str: "-42", invalid: true},
		{name: "dash in type", id: NewStreamID("bank-account", "42"), str: "bank-account-42", invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.String(); got != tt.str {
				t.Fatalf("String() = %q, want %q", got, tt.str)
			}
			err := tt.id.Validate()
			if tt.invalid {
				if !errors.Is(err, ErrInvalidStreamID) {
					t.Fatalf("expected ErrInvalidStreamID, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			parsed, err := ParseStreamID(tt.str)
			if err != nil || parsed != tt.id {
				t.Fatalf("ParseStreamID(%q) = %v, %v", tt.str, parsed, err)
			}
		})
	}
}

func TestSequenceRange(t *testing.T) {
	tests := []struct {
		latest uint64
		ok     bool
		n      int
		want   []uint64
	}{
		{ok: false, n: 1, want: []uint64{0}},
		{ok: false, n: 3, want: []uint64{0, 1, 2}},
		{latest: 0, ok: true, n: 1, want: []uint64{1}},
		{latest: 4, ok: true, n: 3, want: []uint64{5, 6, 7}},
	}

	for _, tt := range tests {
		r := RangeAfter(tt.latest, tt.ok, tt.n)
		if got := r.Sequences(); !slices.Equal(got, tt.want) {
			t.Errorf("RangeAfter(%d, %v, %d).Sequences() = %v, want %v", tt.latest, tt.ok, tt.n, got, tt.want)
		}
		if r.Len() != tt.n {
			t.Errorf("Len() = %d, want %d", r.Len(), tt.n)
		}
		if !r.Contains(tt.want[0]) || r.Contains(r.Last+1) {
			t.Errorf("Contains mismatch for %v", r)
		}
	}
}

func TestEmptyRange(t *testing.T) {
	for _, r := range []SequenceRange{EmptyRange(), RangeAfter(0, false, 0), RangeAfter(7, true, -1)} {
		if !r.Empty() || r.Len() != 0 || len(r.Sequences()) != 0 {
			t.Errorf("%#v: Empty() = %v, Len() = %d, Sequences() = %v", r, r.Empty(), r.Len(), r.Sequences())
		}
		if r.Contains(0) || r.Contains(1) {
			t.Errorf("%#v contains a sequence", r)
		}
		if r.String() != "empty" {
			t.Errorf("String() = %q", r.String())
		}
	}

	if first := (SequenceRange{First: 0, Last: 0}); first.Empty() || first.Len() != 1 {
		t.Errorf("range 0..0 must hold one sequence, got Len() = %d", first.Len())
	}
}

func TestCheckRevision(t *testing.T) {
	stream := NewStreamID("account", "1")

	tests := []struct {
		name     string
		expected ExpectedRevision
		actual   uint64
		exists   bool
		conflict bool
	}{
		{name: "no stream on absent", expected: NoStream{}},
		{name: "no stream on existing", expected: NoStream{}, actual: 0, exists: true, conflict: true},
		{name: "revision matches", expected: Revision(3), actual: 3, exists: true},
		{name: "revision behind", expected: Revision(2), actual: 3, exists: true, conflict: true},
		{name: "revision on absent", expected: Revision(0), conflict: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRevision(stream, tt.expected, tt.actual, tt.exists)
			if !tt.conflict {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var conflict *ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("expected ConflictError, got %v", err)
			}
			if conflict.ActualExists != tt.exists || conflict.Actual != tt.actual {
				t.Fatalf("conflict carries wrong actual state: %+v", conflict)
			}
		})
	}

	if err := CheckRevision(stream, nil, 0, false); !errors.Is(err, ErrInvalidRevision) {
		t.Fatalf("expected ErrInvalidRevision for nil revision, got %v", err)
	}
}

func TestExpectedRevisionFrom(t *testing.T) {
	if _, ok := ExpectedRevisionFrom(9, false).(NoStream); !ok {
		t.Fatal("expected NoStream for absent observation")
	}
	if rev, ok := ExpectedRevisionFrom(9, true).(Revision); !ok || rev != 9 {
		t.Fatalf("expected Revision(9), got %v", rev)
	}
}
