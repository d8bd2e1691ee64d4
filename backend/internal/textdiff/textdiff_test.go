package textdiff

import "testing"

func TestAdjustCursor_Table(t *testing.T) {
	cases := []struct {
		name   string
		old    string
		new    string
		cursor int
		want   int
	}{
		{"identical", "hello", "hello", 3, 3},
		{"both empty", "", "", 0, 0},
		{"insert before cursor keeps prefix cursor", "hello world", "hello there world", 5, 5},
		{"cursor at end shifts by delta", "hello world", "hello there world", 11, 17},
		{"cursor after insertion shifts", "hello world", "hello there world", 8, 14},
		{"delete before cursor shifts back", "hello there world", "hello world", 17, 11},
		{"cursor at start", "abc", "xabc", 0, 0},
		{"from empty", "", "foo", 0, 0},
		{"to empty", "foo", "", 3, 0},
		{"inside replaced region maps proportionally", "aXXXXb", "aYYb", 3, 2},
		{"inside replaced region rounds", "aXXXb", "aYYYYYYb", 2, 3},
		{"append at end", "line1", "line1\nline2", 5, 5},
		{"multibyte runes", "héllo", "héllo wörld", 5, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AdjustCursor(tc.old, tc.new, tc.cursor); got != tc.want {
				t.Fatalf("AdjustCursor(%q, %q, %d) = %d, want %d", tc.old, tc.new, tc.cursor, got, tc.want)
			}
		})
	}
}

// A single contiguous edit at k: cursors at or before k stay, cursors at or
// after the edit end shift by the length delta.
func TestAdjustCursor_SingleEditProperty(t *testing.T) {
	old := "the quick brown fox"
	edits := []struct {
		k      int
		remove int
		insert string
	}{
		{4, 0, "very "},
		{4, 6, ""},
		{10, 5, "red"},
		{0, 0, ">> "},
		{19, 0, "!"},
	}
	for _, e := range edits {
		r := []rune(old)
		next := string(r[:e.k]) + e.insert + string(r[e.k+e.remove:])
		delta := len([]rune(next)) - len(r)
		// the suffix scan can absorb characters of a pure insertion, so the
		// guaranteed-stable zone is [0, k] and [k+remove, len]
		for c := 0; c <= e.k; c++ {
			if got := AdjustCursor(old, next, c); got != c {
				t.Fatalf("edit %+v cursor %d: got %d, want unchanged", e, c, got)
			}
		}
		for c := e.k + e.remove; c <= len(r); c++ {
			got := AdjustCursor(old, next, c)
			p, s := CommonAffixes(r, []rune(next))
			if c >= len(r)-s && got != c+delta {
				t.Fatalf("edit %+v cursor %d: got %d, want %d", e, c, got, c+delta)
			}
			if c <= p && got != c {
				t.Fatalf("edit %+v cursor %d: got %d, want %d", e, c, got, c)
			}
		}
	}
}

func TestCommonAffixes_Bounded(t *testing.T) {
	p, s := CommonAffixes([]rune("aaa"), []rune("aaaa"))
	if p != 3 || s != 0 {
		t.Fatalf("CommonAffixes = (%d, %d), want (3, 0)", p, s)
	}
	p, s = CommonAffixes([]rune("abc"), []rune("xyz"))
	if p != 0 || s != 0 {
		t.Fatalf("CommonAffixes = (%d, %d), want (0, 0)", p, s)
	}
	p, s = CommonAffixes([]rune("abXcd"), []rune("abYYcd"))
	if p != 2 || s != 2 {
		t.Fatalf("CommonAffixes = (%d, %d), want (2, 2)", p, s)
	}
}
