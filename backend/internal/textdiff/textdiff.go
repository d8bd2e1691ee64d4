// Package textdiff maps a cursor offset across a whole-value replacement of a
// text field. Offsets are counted in runes.
package textdiff

import "math"

// CommonAffixes returns the longest common prefix length p and the longest
// common suffix length s of a and b, with p+s <= min(len(a), len(b)).
func CommonAffixes(a, b []rune) (prefix, suffix int) {
	minLen := min(len(a), len(b))
	for prefix < minLen && a[prefix] == b[prefix] {
		prefix++
	}
	for suffix < minLen-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return prefix, suffix
}

// AdjustCursor returns where a cursor at offset cursor in oldText should sit
// once the field holds newText.
//
// A cursor before the changed region stays put, a cursor after it shifts by
// the length delta, and a cursor inside it keeps its relative position
// within the region (rounded, then clamped to the new region).
func AdjustCursor(oldText, newText string, cursor int) int {
	if oldText == newText {
		return cursor
	}
	oldRunes := []rune(oldText)
	newRunes := []rune(newText)
	p, s := CommonAffixes(oldRunes, newRunes)

	if cursor <= p {
		return cursor
	}
	oldEnd := len(oldRunes) - s
	newEnd := len(newRunes) - s
	if cursor >= oldEnd {
		return cursor + len(newRunes) - len(oldRunes)
	}

	// p < cursor < oldEnd, so the old region is never empty here
	fraction := float64(cursor-p) / float64(oldEnd-p)
	adjusted := p + int(math.Round(float64(newEnd-p)*fraction))
	return max(p, min(adjusted, newEnd))
}
