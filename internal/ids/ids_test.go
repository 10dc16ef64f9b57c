package ids

import "testing"

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		prev = next
	}
}

func TestRecordIsUnique(t *testing.T) {
	if Record() == Record() {
		t.Fatalf("expected distinct record ids")
	}
}
