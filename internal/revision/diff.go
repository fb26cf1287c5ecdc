package revision

import "fmt"

// Diff returns the delta turning old into updated. Both must be revisions of the same object
// and class. Lists are diffed by longest common subsequence: removals are emitted from the
// highest index down, then insertions from the lowest index up, so the edits apply in order.
func Diff(old, updated *Revision) (*Delta, error) {
	if old.id != updated.id || old.class != updated.class || len(old.slots) != len(updated.slots) {
		return nil, fmt.Errorf("diff %s against %s: different objects", old.Key(), updated.Key())
	}
	d := NewDelta(old.Key())
	if old.container != updated.container || old.containingField != updated.containingField {
		d.Deltas = append(d.Deltas, FeatureDelta{
			Kind:      ContainerDelta,
			Container: updated.container, Field: updated.containingField,
			OldContainer: old.container, OldField: old.containingField,
		})
	}
	for i := range old.slots {
		a, b := old.slots[i], updated.slots[i]
		if a.name != b.name {
			return nil, fmt.Errorf("diff %s: feature %q does not match %q", old.Key(), a.name, b.name)
		}
		if !a.many {
			d.Deltas = append(d.Deltas, diffSingle(a, b)...)
			continue
		}
		d.Deltas = append(d.Deltas, diffList(a.name, a.values, b.values)...)
	}
	return d, nil
}

func diffSingle(a, b slot) []FeatureDelta {
	av, bv := Null, Null
	if len(a.values) > 0 {
		av = a.values[0]
	}
	if len(b.values) > 0 {
		bv = b.values[0]
	}
	if av == bv {
		return nil
	}
	return []FeatureDelta{{Kind: SetDelta, Feature: a.name, Index: -1, Value: bv, Old: av}}
}

func diffList(feature string, a, b []Value) []FeatureDelta {
	if equalValues(a, b) {
		return nil
	}
	if len(b) == 0 {
		return []FeatureDelta{{Kind: ClearDelta, Feature: feature, OldList: append([]Value(nil), a...)}}
	}
	keepA, keepB := lcs(a, b)
	var out []FeatureDelta
	for i := len(a) - 1; i >= 0; i-- {
		if !keepA[i] {
			out = append(out, FeatureDelta{Kind: RemoveDelta, Feature: feature, Index: i, Value: a[i]})
		}
	}
	for j := range b {
		if !keepB[j] {
			out = append(out, FeatureDelta{Kind: AddDelta, Feature: feature, Index: j, Value: b[j]})
		}
	}
	return out
}

// lcs marks the elements of a and b that belong to one longest common subsequence. Ties are
// broken toward keeping earlier elements of a, which keeps the result deterministic.
func lcs(a, b []Value) ([]bool, []bool) {
	n, m := len(a), len(b)
	table := make([][]int, n+1)
	for i := range table {
		table[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else if table[i+1][j] >= table[i][j+1] {
				table[i][j] = table[i+1][j]
			} else {
				table[i][j] = table[i][j+1]
			}
		}
	}
	keepA, keepB := make([]bool, n), make([]bool, m)
	for i, j := 0, 0; i < n && j < m; {
		switch {
		case a[i] == b[j]:
			keepA[i], keepB[j] = true, true
			i++
			j++
		case table[i+1][j] >= table[i][j+1]:
			i++
		default:
			j++
		}
	}
	return keepA, keepB
}

func equalValues(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
