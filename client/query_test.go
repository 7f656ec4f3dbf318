package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newLocalQuery() *Query {
	c := &Client{}
	return c.Collection("tasks").Query()
}

func TestMatchesEquality(t *testing.T) {
	q := newLocalQuery().Where("done", "==", false)
	assert.True(t, q.matches(map[string]any{"done": false}))
	assert.False(t, q.matches(map[string]any{"done": true}))
	assert.False(t, q.matches(map[string]any{}), "missing field never matches")

	q = newLocalQuery().Where("count", "==", 3)
	assert.True(t, q.matches(map[string]any{"count": float64(3)}), "caller ints compare against decoded numbers")
}

func TestMatchesInequalityAndRange(t *testing.T) {
	q := newLocalQuery().Where("priority", ">", 1).Where("priority", "<=", 3)
	assert.True(t, q.matches(map[string]any{"priority": float64(2)}))
	assert.True(t, q.matches(map[string]any{"priority": float64(3)}))
	assert.False(t, q.matches(map[string]any{"priority": float64(1)}))
	assert.False(t, q.matches(map[string]any{"priority": float64(4)}))
	assert.False(t, q.matches(map[string]any{"priority": "high"}), "mixed types are incomparable")

	q = newLocalQuery().Where("state", "!=", "done")
	assert.True(t, q.matches(map[string]any{"state": "open"}))
	assert.False(t, q.matches(map[string]any{"state": "done"}))
	assert.False(t, q.matches(map[string]any{}), "missing field excluded, as on the server")
}

func TestMatchesInAndArrayContains(t *testing.T) {
	q := newLocalQuery().Where("state", "in", []string{"open", "blocked"})
	assert.True(t, q.matches(map[string]any{"state": "open"}))
	assert.False(t, q.matches(map[string]any{"state": "done"}))

	q = newLocalQuery().Where("tags", "array-contains", "urgent")
	assert.True(t, q.matches(map[string]any{"tags": []any{"urgent", "bug"}}))
	assert.False(t, q.matches(map[string]any{"tags": []any{"bug"}}))
	assert.False(t, q.matches(map[string]any{"tags": "urgent"}), "non-array field")
}

func TestMatchesLike(t *testing.T) {
	q := newLocalQuery().Where("title", "LIKE", "intro%")
	assert.True(t, q.matches(map[string]any{"title": "introduction"}))
	assert.False(t, q.matches(map[string]any{"title": "outro"}))

	q = newLocalQuery().Where("title", "LIKE", "%world%")
	assert.True(t, q.matches(map[string]any{"title": "hello world!"}))
}

func TestMatchesDottedField(t *testing.T) {
	q := newLocalQuery().Where("author.name", "==", "ada")
	assert.True(t, q.matches(map[string]any{"author": map[string]any{"name": "ada"}}))
	assert.False(t, q.matches(map[string]any{"author": "ada"}))
}

func TestSortLocalMissingLast(t *testing.T) {
	snaps := []*Snapshot{
		{Path: "tasks/a", Data: map[string]any{"priority": float64(2)}, Version: 1},
		{Path: "tasks/b", Data: map[string]any{}, Version: 2},
		{Path: "tasks/c", Data: map[string]any{"priority": float64(1)}, Version: 3},
	}

	asc := newLocalQuery().OrderBy("priority", "asc")
	asc.sortLocal(snaps)
	assert.Equal(t, []string{"tasks/c", "tasks/a", "tasks/b"}, paths(snaps))

	desc := newLocalQuery().OrderBy("priority", "desc")
	desc.sortLocal(snaps)
	assert.Equal(t, []string{"tasks/a", "tasks/c", "tasks/b"}, paths(snaps))
}

func TestSortLocalNaturalOrderIsVersion(t *testing.T) {
	snaps := []*Snapshot{
		{Path: "tasks/b", Version: 9},
		{Path: "tasks/a", Version: 2},
	}
	newLocalQuery().sortLocal(snaps)
	assert.Equal(t, []string{"tasks/a", "tasks/b"}, paths(snaps))
}

func paths(snaps []*Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.Path
	}
	return out
}

func TestExtractField(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": float64(1)}}

	v, ok := extractField(data, "a.b")
	assert.True(t, ok)
	assert.Equal(t, float64(1), v)

	_, ok = extractField(data, "a.c")
	assert.False(t, ok)

	_, ok = extractField(data, "a.b.c")
	assert.False(t, ok, "scalars have no children")
}
