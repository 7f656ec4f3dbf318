// Package jsonmerge implements JSON merge-patch (RFC 7386). It is shared
// between the server's document engine and the client SDK so both apply
// patches identically.
package jsonmerge

// Apply merges patch into target: object keys are merged recursively,
// null-valued patch keys erase the stored key, and a non-object patch
// replaces the target wholesale. Neither argument is mutated.
func Apply(target, patch any) any {
	patchObj, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	targetObj, ok := target.(map[string]any)
	if !ok {
		targetObj = map[string]any{}
	}
	out := make(map[string]any, len(targetObj)+len(patchObj))
	for k, v := range targetObj {
		out[k] = v
	}
	for k, v := range patchObj {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = Apply(out[k], v)
	}
	return out
}
