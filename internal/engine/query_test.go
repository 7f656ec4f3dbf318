package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidField(t *testing.T) {
	assert.True(t, ValidField("status"))
	assert.True(t, ValidField("meta.owner.id"))
	assert.True(t, ValidField("n0"))
	assert.False(t, ValidField(""))
	assert.False(t, ValidField("a'; DROP TABLE documents--"))
	assert.False(t, ValidField("a b"))
	assert.False(t, ValidField("a->b"))
}

func TestCompileQueryBase(t *testing.T) {
	sql, args := compileQuery(Query{CollectionPath: "tasks"})

	assert.Contains(t, sql, "deleted_at IS NULL")
	assert.Contains(t, sql, "path LIKE $2 || '/%'")
	assert.Contains(t, sql, "path NOT LIKE $2 || '/%/%'")
	assert.Contains(t, sql, "ORDER BY version")
	assert.Len(t, args, 2)
	assert.Equal(t, "tasks", args[1])
}

func TestCompileQueryFilters(t *testing.T) {
	sql, args := compileQuery(Query{
		CollectionPath: "tasks",
		Filters: []Filter{
			{Field: "status", Op: "==", Value: "active"},
			{Field: "priority", Op: ">=", Value: float64(3)},
		},
	})

	assert.Contains(t, sql, "data #> '{status}' = $3::jsonb")
	assert.Contains(t, sql, "data #> '{priority}' >= $4::jsonb")
	assert.Equal(t, `"active"`, args[2])
	assert.Equal(t, `3`, args[3])
}

func TestCompileQueryEscapesCollectionPrefix(t *testing.T) {
	// '_' and '%' are legal in path segments; an unescaped prefix would let
	// collection "t_sks" match documents under "tasks".
	_, args := compileQuery(Query{CollectionPath: "t_sks"})
	assert.Equal(t, `t\_sks`, args[1])

	_, args = compileQuery(Query{CollectionPath: "a%b"})
	assert.Equal(t, `a\%b`, args[1])
}

func TestCompileQueryDottedField(t *testing.T) {
	sql, _ := compileQuery(Query{
		CollectionPath: "tasks",
		Filters:        []Filter{{Field: "meta.owner", Op: "==", Value: "u1"}},
	})
	assert.Contains(t, sql, "data #> '{meta,owner}'")
}

func TestCompileQueryDropsInvalidField(t *testing.T) {
	// Hostile field names are dropped, not rejected.
	sql, args := compileQuery(Query{
		CollectionPath: "tasks",
		Filters:        []Filter{{Field: "x') OR 1=1 --", Op: "==", Value: "boom"}},
	})

	assert.NotContains(t, sql, "1=1")
	assert.Len(t, args, 2)
}

func TestCompileQueryDropsUnknownOperator(t *testing.T) {
	sql, args := compileQuery(Query{
		CollectionPath: "tasks",
		Filters:        []Filter{{Field: "status", Op: "matches", Value: "x"}},
	})
	assert.NotContains(t, sql, "matches")
	assert.Len(t, args, 2)
}

func TestCompileQueryInAndContains(t *testing.T) {
	sql, args := compileQuery(Query{
		CollectionPath: "tasks",
		Filters: []Filter{
			{Field: "status", Op: "in", Value: []any{"a", "b"}},
			{Field: "tags", Op: "array-contains", Value: "urgent"},
		},
	})

	assert.Contains(t, sql, `$3::jsonb @> (data #> '{status}')`)
	assert.Contains(t, sql, `(data #> '{tags}') @> $4::jsonb`)
	assert.Equal(t, `["a","b"]`, args[2])
	assert.Equal(t, `"urgent"`, args[3])
}

func TestCompileQueryLike(t *testing.T) {
	sql, args := compileQuery(Query{
		CollectionPath: "tasks",
		Filters:        []Filter{{Field: "title", Op: "LIKE", Value: "foo%"}},
	})

	assert.Contains(t, sql, `(data #>> '{title}') LIKE $3`)
	assert.Equal(t, "foo%", args[2])

	// Non-string LIKE values are dropped.
	sql, args = compileQuery(Query{
		CollectionPath: "tasks",
		Filters:        []Filter{{Field: "title", Op: "LIKE", Value: float64(1)}},
	})
	assert.False(t, strings.Contains(sql, "LIKE $3"))
	assert.Len(t, args, 2)
}

func TestCompileQueryOrderAndLimit(t *testing.T) {
	sql, args := compileQuery(Query{
		CollectionPath: "tasks",
		OrderByField:   "priority",
		OrderDirection: "desc",
		Limit:          5,
	})

	assert.Contains(t, sql, "ORDER BY data #> '{priority}' DESC NULLS LAST")
	assert.Contains(t, sql, "LIMIT $3")
	assert.Equal(t, 5, args[2])

	sql, _ = compileQuery(Query{CollectionPath: "tasks", OrderByField: "priority"})
	assert.Contains(t, sql, "ORDER BY data #> '{priority}' ASC NULLS LAST")
}

func TestCompileQueryInvalidOrderFieldFallsBack(t *testing.T) {
	sql, _ := compileQuery(Query{CollectionPath: "tasks", OrderByField: "bad field"})
	assert.Contains(t, sql, "ORDER BY version")
}
