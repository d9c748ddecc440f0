package models

import "strings"

// PublicACLKey grants a permission to every caller.
const PublicACLKey = "*"

// rolePrefix marks an ACL principal as a role name rather than a user id.
const rolePrefix = "role:"

// Permission is one principal's access bits on an object.
type Permission struct {
	Read  bool
	Write bool
}

// ACL maps principals (user id, "role:<name>", or "*") to permissions.
type ACL map[string]Permission

// ACLFrom decodes the wire form {"principal": {"read": true, "write": true}}.
// A nil value decodes to a nil ACL, meaning "no ACL set" (public object).
func ACLFrom(v any) (ACL, bool) {
	if v == nil {
		return nil, true
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	acl := make(ACL, len(m))
	for principal, bits := range m {
		bm, ok := bits.(map[string]any)
		if !ok {
			return nil, false
		}
		var p Permission
		if r, ok := bm["read"].(bool); ok {
			p.Read = r
		}
		if w, ok := bm["write"].(bool); ok {
			p.Write = w
		}
		acl[principal] = p
	}
	return acl, true
}

// Map returns the wire encoding of the ACL.
func (a ACL) Map() map[string]any {
	out := make(map[string]any, len(a))
	for principal, p := range a {
		bits := map[string]any{}
		if p.Read {
			bits["read"] = true
		}
		if p.Write {
			bits["write"] = true
		}
		out[principal] = bits
	}
	return out
}

// CanRead reports whether any of the given principals may read.
// A nil ACL is readable by everyone.
func (a ACL) CanRead(principals []string) bool {
	if a == nil {
		return true
	}
	for _, pr := range principals {
		if a[pr].Read {
			return true
		}
	}
	return a[PublicACLKey].Read
}

// CanWrite reports whether any of the given principals may write.
// A nil ACL is writable by everyone.
func (a ACL) CanWrite(principals []string) bool {
	if a == nil {
		return true
	}
	for _, pr := range principals {
		if a[pr].Write {
			return true
		}
	}
	return a[PublicACLKey].Write
}

// IsEmpty reports whether the ACL is non-nil but grants nothing at all.
// An empty ACL hard-locks the object: only the master key can touch it.
func (a ACL) IsEmpty() bool {
	if a == nil {
		return false
	}
	for _, p := range a {
		if p.Read || p.Write {
			return false
		}
	}
	return true
}

// RoleACLKey returns the ACL principal key for a role name.
func RoleACLKey(role string) string {
	if strings.HasPrefix(role, rolePrefix) {
		return role
	}
	return rolePrefix + role
}
