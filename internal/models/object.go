// Package models defines the core data structures used throughout classd:
// object records, pointers, ACLs, and class schemas.
package models

// System class names. Classes starting with an underscore are reserved.
const (
	UserClass         = "_User"
	SessionClass      = "_Session"
	InstallationClass = "_Installation"
	RoleClass         = "_Role"
	PushStatusClass   = "_PushStatus"
)

// Record is a stored object: a flat mapping of field name to value.
// Persisted records always carry objectId, createdAt and updatedAt.
type Record map[string]any

// ObjectID returns the record's objectId, or "" if unset.
func (r Record) ObjectID() string {
	id, _ := r["objectId"].(string)
	return id
}

// Clone returns a deep copy of the record. Query results handed to hooks
// and include expansion are cloned so the engine never aliases store state.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return Record(DeepCopyMap(map[string]any(r)))
}

// Pointer is a weak typed reference to an object in another class.
type Pointer struct {
	ClassName string
	ObjectID  string
}

// Map returns the wire encoding of the pointer.
func (p Pointer) Map() map[string]any {
	return map[string]any{
		"__type":    "Pointer",
		"className": p.ClassName,
		"objectId":  p.ObjectID,
	}
}

// PointerFrom decodes a wire value into a Pointer. The second return is
// false when the value is not a pointer encoding.
func PointerFrom(v any) (Pointer, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Pointer{}, false
	}
	if t, _ := m["__type"].(string); t != "Pointer" {
		return Pointer{}, false
	}
	cls, _ := m["className"].(string)
	id, _ := m["objectId"].(string)
	if cls == "" || id == "" {
		return Pointer{}, false
	}
	return Pointer{ClassName: cls, ObjectID: id}, true
}

// IsDeleteSentinel reports whether a value is the field-deletion operation.
func IsDeleteSentinel(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	op, _ := m["__op"].(string)
	return op == "Delete"
}

// DeepCopyMap deep-copies a JSON-shaped map (maps, slices, scalars).
func DeepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = DeepCopyValue(v)
	}
	return out
}

// DeepCopyValue deep-copies a JSON-shaped value.
func DeepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DeepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
