package labels

import (
	"reflect"
	"testing"
)

func TestMapIsSortedLexicographically(t *testing.T) {
	m, err := New("7", "1", "5", "2", "4", "3")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := []string{"1", "2", "3", "4", "5", "7", "negative"}
	if !reflect.DeepEqual(m.Labels(), want) {
		t.Fatalf("labels = %v, want %v", m.Labels(), want)
	}
	for i, l := range want {
		idx, ok := m.Index(l)
		if !ok || idx != i {
			t.Fatalf("Index(%q) = %d,%v want %d", l, idx, ok, i)
		}
		if m.Label(i) != l {
			t.Fatalf("Label(%d) = %q want %q", i, m.Label(i), l)
		}
	}
}

func TestMapIndependentOfInputOrder(t *testing.T) {
	a, _ := New("3", "2", "1")
	b, _ := New("1", "negative", "2", "3")
	if !reflect.DeepEqual(a.Labels(), b.Labels()) {
		t.Fatalf("%v != %v", a.Labels(), b.Labels())
	}
	if a.Len() != 4 {
		t.Fatalf("expected 4 classes, got %d", a.Len())
	}
}

func TestMapRejectsDuplicatesAndEmpty(t *testing.T) {
	if _, err := New("1", "1"); err == nil {
		t.Fatal("expected duplicate error")
	}
	if _, err := New(""); err == nil {
		t.Fatal("expected empty label error")
	}
	if _, err := New(); err == nil {
		t.Fatal("expected error with no digit classes")
	}
}

func TestFromOrdered(t *testing.T) {
	m, err := FromOrdered([]string{"1", "2", "negative"})
	if err != nil {
		t.Fatalf("FromOrdered: %v", err)
	}
	if i, _ := m.Index("negative"); i != 2 {
		t.Fatalf("negative index = %d", i)
	}
	if _, err := FromOrdered([]string{"negative", "1"}); err == nil {
		t.Fatal("expected unsorted error")
	}
}

func TestMapString(t *testing.T) {
	m, _ := New("1", "2")
	if got := m.String(); got != "{'1': 0, '2': 1, 'negative': 2}" {
		t.Fatalf("String() = %s", got)
	}
}
