package mask

import "testing"

func TestSetClearTest(t *testing.T) {
	m := New()
	m = m.Set(3).Set(5)
	if !m.Test(3) || !m.Test(5) {
		t.Fatalf("expected 3 and 5 set, got %v", m)
	}
	m = m.Clear(3)
	if m.Test(3) {
		t.Fatalf("expected 3 cleared, got %v", m)
	}
}

func TestUnionIntersect(t *testing.T) {
	a := New(1, 2, 3)
	b := New(2, 3, 4)
	u := a.Union(b)
	for _, id := range []int{1, 2, 3, 4} {
		if !u.Test(id) {
			t.Fatalf("union missing %d", id)
		}
	}
	i := a.Intersect(b)
	if i.Size() != 2 || !i.Test(2) || !i.Test(3) {
		t.Fatalf("unexpected intersection %v", i)
	}
}

func TestComplement(t *testing.T) {
	a := New(0, 2)
	c := a.Complement(4)
	if !c.Test(1) || !c.Test(3) || c.Test(0) || c.Test(2) {
		t.Fatalf("unexpected complement %v", c)
	}
}

func TestEqualEmpty(t *testing.T) {
	if !Empty.Empty() {
		t.Fatalf("Empty should be empty")
	}
	if !New(1).Equal(New(1)) {
		t.Fatalf("expected equal masks")
	}
	if New(1).Equal(New(2)) {
		t.Fatalf("expected unequal masks")
	}
}

func TestFirstNextEnd(t *testing.T) {
	m := New(5, 1, 9)
	if got := m.First(); got != 1 {
		t.Fatalf("First() = %d, want 1", got)
	}
	if got := m.Next(1); got != 5 {
		t.Fatalf("Next(1) = %d, want 5", got)
	}
	if got := m.Next(9); got != m.End() {
		t.Fatalf("Next(9) = %d, want End()", got)
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	cases := [][]int{
		{},
		{0},
		{1, 2, 4, 5, 6, 7, 9},
		{0, 1, 2, 3},
	}
	for _, ids := range cases {
		m := New(ids...)
		s := m.String()
		back, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", s, err)
		}
		if !back.Equal(m) {
			t.Fatalf("round trip mismatch: %v -> %q -> %v", m, s, back)
		}
	}
}

func TestPrettyPrintRanges(t *testing.T) {
	m := New(1, 2, 4, 5, 6, 7, 9)
	if got, want := m.String(), "1,2,4-7,9"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestEmptyPrintsSentinel(t *testing.T) {
	if got, want := Empty.String(), "{<empty>}"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPrettyIntoTruncates(t *testing.T) {
	m := New(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)
	buf := make([]byte, 40)
	out, err := PrettyInto(m, buf)
	if err != nil {
		t.Fatalf("PrettyInto error: %v", err)
	}
	if len(out) > 40 {
		t.Fatalf("PrettyInto did not respect buffer size: %q", out)
	}
}

func TestPrettyIntoRejectsSmallBuffer(t *testing.T) {
	m := New(1, 2, 3)
	if _, err := PrettyInto(m, make([]byte, 10)); err == nil {
		t.Fatalf("expected error for undersized buffer")
	}
}

func TestGroupOf(t *testing.T) {
	m := New(0, 1, 64, 65)
	groups := map[int]int{0: 0, 1: 0, 64: 1, 65: 1}
	withGroups := m.WithGroups(groups)
	if g := withGroups.GroupOf(); g != -1 {
		t.Fatalf("GroupOf() spanning groups = %d, want -1", g)
	}
	single := New(0, 1).WithGroups(groups)
	if g := single.GroupOf(); g != 0 {
		t.Fatalf("GroupOf() = %d, want 0", g)
	}
	if g := Empty.GroupOf(); g != -1 {
		t.Fatalf("GroupOf() of empty mask = %d, want -1", g)
	}
}
