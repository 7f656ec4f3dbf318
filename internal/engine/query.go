package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter is one (field, op, value) triple. Filters are ANDed.
type Filter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Query describes a filter/order/limit read over one collection level.
type Query struct {
	CollectionPath string
	Filters        []Filter
	OrderByField   string
	OrderDirection string // "asc" or "desc"
	Limit          int
}

// fieldPattern is the whitelist for filter and order fields. Anything else
// is dropped silently so hostile field names never reach the SQL layer.
var fieldPattern = regexp.MustCompile(`^[A-Za-z0-9.]+$`)

// ValidField reports whether a field name may be interpolated into SQL.
func ValidField(field string) bool {
	return field != "" && fieldPattern.MatchString(field)
}

// jsonbPath converts a dotted field name to a Postgres jsonb path literal,
// e.g. "a.b" -> '{a,b}'. Callers must check ValidField first.
func jsonbPath(field string) string {
	return "'{" + strings.ReplaceAll(field, ".", ",") + "}'"
}

// escapeLike escapes LIKE metacharacters in a literal path prefix. '%' and
// '_' are legal path segment characters, and an unescaped prefix would let
// collection "t_sks" match documents of "tasks".
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// compileQuery builds the SQL for a query. Argument $1 is the workspace id
// and $2 the collection path prefix; filter values follow. Filters with
// invalid fields or unknown operators are dropped, not rejected.
func compileQuery(q Query) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, workspace_id, collection_name, path, owner_id, data, version, created_at, updated_at
		FROM documents
		WHERE workspace_id = $1
		  AND deleted_at IS NULL
		  AND path LIKE $2 || '/%'
		  AND path NOT LIKE $2 || '/%/%'`)

	args := []any{nil, escapeLike(q.CollectionPath)} // slot 0 filled by caller with workspace id

	for _, f := range q.Filters {
		if !ValidField(f.Field) {
			continue
		}
		path := jsonbPath(f.Field)
		switch f.Op {
		case "==":
			args = append(args, jsonValue(f.Value))
			fmt.Fprintf(&sb, " AND data #> %s = $%d::jsonb", path, len(args))
		case "!=":
			args = append(args, jsonValue(f.Value))
			fmt.Fprintf(&sb, " AND data #> %s <> $%d::jsonb", path, len(args))
		case "<", "<=", ">", ">=":
			args = append(args, jsonValue(f.Value))
			fmt.Fprintf(&sb, " AND data #> %s %s $%d::jsonb", path, f.Op, len(args))
		case "in":
			// Value is a JSON array; jsonb containment tests membership.
			args = append(args, jsonValue(f.Value))
			fmt.Fprintf(&sb, " AND $%d::jsonb @> (data #> %s)", len(args), path)
		case "array-contains":
			args = append(args, jsonValue(f.Value))
			fmt.Fprintf(&sb, " AND (data #> %s) @> $%d::jsonb", path, len(args))
		case "LIKE":
			s, ok := f.Value.(string)
			if !ok {
				continue
			}
			args = append(args, s)
			fmt.Fprintf(&sb, " AND (data #>> %s) LIKE $%d", path, len(args))
		}
	}

	if ValidField(q.OrderByField) {
		// Documents missing the field sort last regardless of direction.
		dir := "ASC NULLS LAST"
		if strings.EqualFold(q.OrderDirection, "desc") {
			dir = "DESC NULLS LAST"
		}
		fmt.Fprintf(&sb, " ORDER BY data #> %s %s", jsonbPath(q.OrderByField), dir)
	} else {
		// Natural storage order: version assignment order.
		sb.WriteString(" ORDER BY version")
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	return sb.String(), args
}
