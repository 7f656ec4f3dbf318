package client

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Query is a filter/order/limit read over one collection level. Build it by
// chaining; run it with Documents or keep it live with Subscribe.
type Query struct {
	col     *CollectionRef
	filters []queryFilter
	orderBy string
	dir     string
	limit   int
}

type queryFilter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Where starts a query on the collection. Filters are ANDed.
func (r *CollectionRef) Where(field, op string, value any) *Query {
	return &Query{col: r, filters: []queryFilter{{field, op, value}}}
}

// Query starts an unfiltered query, useful for OrderBy/Limit alone.
func (r *CollectionRef) Query() *Query {
	return &Query{col: r}
}

// Where adds another filter.
func (q *Query) Where(field, op string, value any) *Query {
	out := *q
	out.filters = append(append([]queryFilter(nil), q.filters...), queryFilter{field, op, value})
	return &out
}

// OrderBy sets the sort field and direction ("asc" or "desc"). Documents
// missing the field sort last.
func (q *Query) OrderBy(field, direction string) *Query {
	out := *q
	out.orderBy = field
	out.dir = direction
	return &out
}

// Limit caps the result count.
func (q *Query) Limit(n int) *Query {
	out := *q
	out.limit = n
	return &out
}

func (q *Query) ordered() bool { return q.orderBy != "" || q.limit > 0 }

// Documents executes the query on the server, falling back to an equivalent
// local evaluation over the cache when the server is unreachable.
func (q *Query) Documents(ctx context.Context) ([]*Snapshot, error) {
	if q.col.err != nil {
		return nil, q.col.err
	}
	c := q.col.c

	_, parentPath := routeForCollection(q.col.path)
	params := c.baseQuery()
	params.Set("collection", q.col.path.CollectionName())
	if parentPath != "" {
		params.Set("parentPath", parentPath)
	}
	if len(q.filters) > 0 {
		raw, err := json.Marshal(q.filters)
		if err != nil {
			return nil, err
		}
		params.Set("filters", string(raw))
	}
	if q.orderBy != "" {
		params.Set("orderByField", q.orderBy)
		params.Set("orderDirection", q.dir)
	}
	if q.limit > 0 {
		params.Set("limit", strconv.Itoa(q.limit))
	}

	var docs []serverDocument
	err := c.do(ctx, http.MethodGet, "/documents/query", params, nil, &docs)
	if err == nil {
		out := make([]*Snapshot, 0, len(docs))
		for _, d := range docs {
			out = append(out, d.snapshot())
		}
		return out, nil
	}
	if !isOffline(err) || c.cache == nil {
		return nil, err
	}
	return q.evaluateLocal(ctx)
}

// evaluateLocal runs the same query semantics over the cache.
func (q *Query) evaluateLocal(ctx context.Context) ([]*Snapshot, error) {
	c := q.col.c
	cached, err := c.cache.listCollection(ctx, q.col.path.String())
	if err != nil {
		return nil, err
	}

	var out []*Snapshot
	for _, d := range cached {
		snap, err := c.cachedSnapshot(ctx, d)
		if err != nil {
			return nil, err
		}
		if q.matches(snap.Data) {
			out = append(out, snap)
		}
	}
	q.sortLocal(out)
	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out, nil
}

// matches reports whether data satisfies every filter.
func (q *Query) matches(data map[string]any) bool {
	for _, f := range q.filters {
		got, ok := extractField(data, f.Field)
		want := normalizeJSON(f.Value)
		switch f.Op {
		case "==":
			if !ok || !reflect.DeepEqual(got, want) {
				return false
			}
		case "!=":
			if !ok || reflect.DeepEqual(got, want) {
				return false
			}
		case "<", "<=", ">", ">=":
			if !ok {
				return false
			}
			cmp, comparable := compareValues(got, want)
			if !comparable {
				return false
			}
			switch f.Op {
			case "<":
				if cmp >= 0 {
					return false
				}
			case "<=":
				if cmp > 0 {
					return false
				}
			case ">":
				if cmp <= 0 {
					return false
				}
			case ">=":
				if cmp < 0 {
					return false
				}
			}
		case "in":
			arr, isArr := want.([]any)
			if !ok || !isArr {
				return false
			}
			found := false
			for _, v := range arr {
				if reflect.DeepEqual(got, v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "array-contains":
			arr, isArr := got.([]any)
			if !ok || !isArr {
				return false
			}
			found := false
			for _, v := range arr {
				if reflect.DeepEqual(v, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "LIKE":
			s, sok := got.(string)
			pat, pok := want.(string)
			if !ok || !sok || !pok || !likeMatch(pat, s) {
				return false
			}
		default:
			// Unknown operators drop the filter, matching the server.
		}
	}
	return true
}

func (q *Query) sortLocal(snaps []*Snapshot) {
	if q.orderBy == "" {
		// Natural order: version assignment order, as on the server.
		sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].Version < snaps[j].Version })
		return
	}
	desc := strings.EqualFold(q.dir, "desc")
	sort.SliceStable(snaps, func(i, j int) bool {
		a, aok := extractField(snaps[i].Data, q.orderBy)
		b, bok := extractField(snaps[j].Data, q.orderBy)
		// Missing fields sort last regardless of direction.
		if !aok || !bok {
			return aok && !bok
		}
		cmp, comparable := compareValues(a, b)
		if !comparable {
			return false
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
}

// extractField walks a dotted field path through nested objects.
func extractField(data map[string]any, field string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(field, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// normalizeJSON round-trips a value through JSON so caller-supplied ints and
// structs compare against decoded cache values.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// compareValues orders two decoded JSON scalars. Mixed or non-scalar types
// are incomparable.
func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case !av && bv:
			return -1, true
		case av && !bv:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// likeMatch applies SQL LIKE semantics with % wildcards.
func likeMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "%")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(strings.ReplaceAll(p, "_", "\x00"))
		parts[i] = strings.ReplaceAll(parts[i], "\x00", ".")
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
