package observe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func id(s string) string { return s }

func kinds(changes []Change[string]) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Kind.String() + ":" + c.Item
	}
	return out
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name    string
		old     []string
		cur     []string
		updated map[string]bool
		want    []string
	}{
		{"no change", []string{"a", "b"}, []string{"a", "b"}, nil, []string{}},
		{"insert", []string{"a"}, []string{"a", "b"}, nil, []string{"insert:b"}},
		{"remove", []string{"a", "b", "c"}, []string{"b"}, nil, []string{"remove:c", "remove:a"}},
		{"update", []string{"a", "b"}, []string{"a", "b"}, map[string]bool{"b": true}, []string{"update:b"}},
		{"move to front", []string{"a", "b", "c"}, []string{"c", "a", "b"}, nil, []string{"move:c"}},
		{"moved and updated", []string{"a", "b", "c"}, []string{"c", "a", "b"}, map[string]bool{"c": true, "a": true},
			[]string{"move:c", "update:a"}},
		{"mixed", []string{"a", "b", "c"}, []string{"d", "c", "a"}, nil, []string{"remove:b", "insert:d", "move:c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := kinds(Diff(tt.old, tt.cur, id, tt.updated))
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDiffIndexes(t *testing.T) {
	changes := Diff([]string{"a", "b", "c"}, []string{"c", "a", "x"}, id, nil)
	require.Len(t, changes, 3)

	require.Equal(t, Remove, changes[0].Kind)
	require.Equal(t, 1, changes[0].Index, "remove index is the old position")

	require.Equal(t, Insert, changes[1].Kind)
	require.Equal(t, 2, changes[1].Index)

	require.Equal(t, Move, changes[2].Kind)
	require.Equal(t, "c", changes[2].Item)
	require.Equal(t, 2, changes[2].From)
	require.Equal(t, 0, changes[2].Index)
}
