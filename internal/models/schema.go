package models

// FieldType is the type tag of a schema field.
type FieldType string

const (
	FieldString   FieldType = "String"
	FieldNumber   FieldType = "Number"
	FieldBoolean  FieldType = "Boolean"
	FieldDate     FieldType = "Date"
	FieldArray    FieldType = "Array"
	FieldObject   FieldType = "Object"
	FieldPointer  FieldType = "Pointer"
	FieldRelation FieldType = "Relation"
	FieldFile     FieldType = "File"
	FieldGeoPoint FieldType = "GeoPoint"
	FieldPolygon  FieldType = "Polygon"
	FieldBytes    FieldType = "Bytes"
	FieldACL      FieldType = "ACL"
)

// Field describes one schema field.
type Field struct {
	Type         FieldType `json:"type"`
	TargetClass  string    `json:"targetClass,omitempty"` // Pointer/Relation only
	Required     bool      `json:"required,omitempty"`
	DefaultValue any       `json:"defaultValue,omitempty"`
}

// ClassPermissions holds class-level permissions per operation. Each map
// goes from principal (user id, "role:<name>", "*", or the special
// "requiresAuthentication") to allowed.
type ClassPermissions struct {
	Get      map[string]bool `json:"get,omitempty"`
	Find     map[string]bool `json:"find,omitempty"`
	Count    map[string]bool `json:"count,omitempty"`
	Create   map[string]bool `json:"create,omitempty"`
	Update   map[string]bool `json:"update,omitempty"`
	Delete   map[string]bool `json:"delete,omitempty"`
	AddField map[string]bool `json:"addField,omitempty"`
}

// ClassSchema is the immutable schema snapshot for one class.
type ClassSchema struct {
	ClassName   string           `json:"className"`
	Fields      map[string]Field `json:"fields"`
	Permissions ClassPermissions `json:"classLevelPermissions"`
}

// PointerFields returns the names of all Pointer-typed fields, used by
// includeAll expansion.
func (s *ClassSchema) PointerFields() []string {
	var out []string
	for name, f := range s.Fields {
		if f.Type == FieldPointer {
			out = append(out, name)
		}
	}
	return out
}
