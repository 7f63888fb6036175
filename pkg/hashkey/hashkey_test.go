package hashkey

import "testing"

func TestHashNilGroupIsZero(t *testing.T) {
	if got := Hash(42, nil); got != Zero {
		t.Fatalf("Hash(_, nil) = %+v, want Zero", got)
	}
}

func TestHashDeterministic(t *testing.T) {
	a := Hash(7, []byte("group-a"))
	b := Hash(7, []byte("group-a"))
	if !a.Equal(b) {
		t.Fatalf("Hash not deterministic: %+v != %+v", a, b)
	}
	if a.IsZero() {
		t.Fatalf("non-null group hashed to Zero")
	}
}

func TestHashDiffersByGroup(t *testing.T) {
	a := Hash(7, []byte("group-a"))
	b := Hash(7, []byte("group-b"))
	if a.Equal(b) {
		t.Fatalf("distinct groups hashed equal")
	}
}

func TestHashDiffersBySeed(t *testing.T) {
	a := Hash(1, []byte("same"))
	b := Hash(2, []byte("same"))
	if a.Equal(b) {
		t.Fatalf("distinct seeds (tables) hashed equal for the same bytes")
	}
}

func TestLockIDXorFold(t *testing.T) {
	h := Hash(1, []byte("g"))
	l1 := LockID(10, h)
	l2 := LockID(11, h)
	if l1 == l2 {
		t.Fatalf("different tables produced the same lock id")
	}
}

func TestCanonicalBytesRoundTripShape(t *testing.T) {
	if CanonicalBytes(nil) != nil {
		t.Fatalf("nil should canonicalize to nil")
	}
	if len(CanonicalBytes(int64(42))) != 8 {
		t.Fatalf("int64 should canonicalize to 8 bytes")
	}
	if len(CanonicalBytes(float64(3.14))) != 8 {
		t.Fatalf("float64 should canonicalize to 8 bytes")
	}
	a := CanonicalBytes("hello")
	b := CanonicalBytes("hello")
	if string(a) != string(b) {
		t.Fatalf("string canonicalization not stable")
	}
}
