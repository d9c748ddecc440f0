// Package schema implements the schema collaborator: a per-request
// immutable snapshot of every class definition, plus the class-creation
// and class-level-permission policies.
package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/store"
)

var fieldNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Controller is a schema snapshot loaded once per external request and
// threaded through every nested pipeline stage, so that all stages observe
// one consistent schema view.
type Controller struct {
	adapter                  store.Adapter
	classes                  map[string]*models.ClassSchema
	allowClientClassCreation bool
}

// Load fetches all class schemas from the store and overlays the system
// class defaults.
func Load(ctx context.Context, adapter store.Adapter, allowClientClassCreation bool) (*Controller, error) {
	stored, err := adapter.GetAllSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	c := &Controller{
		adapter:                  adapter,
		classes:                  make(map[string]*models.ClassSchema),
		allowClientClassCreation: allowClientClassCreation,
	}
	for name, s := range systemClassDefaults() {
		c.classes[name] = s
	}
	for i := range stored {
		s := stored[i]
		if existing, ok := c.classes[s.ClassName]; ok {
			// Stored fields extend the system defaults, never replace them.
			for fname, f := range s.Fields {
				existing.Fields[fname] = f
			}
			existing.Permissions = s.Permissions
			continue
		}
		c.classes[s.ClassName] = &s
	}
	return c, nil
}

// GetOneSchema returns the schema for a class, or nil when unknown.
func (c *Controller) GetOneSchema(className string) *models.ClassSchema {
	return c.classes[className]
}

// HasClass reports whether the class exists in the snapshot.
func (c *Controller) HasClass(className string) bool {
	return c.classes[className] != nil
}

// GetAllClasses returns every class schema in the snapshot.
func (c *Controller) GetAllClasses() []*models.ClassSchema {
	out := make([]*models.ClassSchema, 0, len(c.classes))
	for _, s := range c.classes {
		out = append(out, s)
	}
	return out
}

// EnforceClassCreation applies the custom-class-creation policy: clients
// may only touch nonexistent classes when the policy allows it.
func (c *Controller) EnforceClassCreation(className string, isMaster bool) error {
	if isMaster || c.allowClientClassCreation || c.HasClass(className) {
		return nil
	}
	return apierr.New(apierr.CodeOperationForbidden,
		"This user is not allowed to access non-existent class: %s", className)
}

// ValidatePermission checks a class-level permission for an operation.
// op is one of get, find, count, create, update, delete, addField.
func (c *Controller) ValidatePermission(className, op string, aclGroup []string, isMaster bool) error {
	if isMaster {
		return nil
	}
	s := c.GetOneSchema(className)
	if s == nil {
		return nil
	}
	var perm map[string]bool
	switch op {
	case "get":
		perm = s.Permissions.Get
	case "find":
		perm = s.Permissions.Find
	case "count":
		perm = s.Permissions.Count
	case "create":
		perm = s.Permissions.Create
	case "update":
		perm = s.Permissions.Update
	case "delete":
		perm = s.Permissions.Delete
	case "addField":
		perm = s.Permissions.AddField
	}
	if perm == nil || perm[models.PublicACLKey] {
		return nil
	}
	if perm["requiresAuthentication"] && len(aclGroup) > 0 {
		return nil
	}
	for _, principal := range aclGroup {
		if perm[principal] {
			return nil
		}
	}
	return apierr.New(apierr.CodeOperationForbidden,
		"Permission denied for action %s on class %s.", op, className)
}

// RedirectClassNameForKey resolves a Relation field to its target class,
// or returns the class name unchanged.
func (c *Controller) RedirectClassNameForKey(className, key string) string {
	s := c.GetOneSchema(className)
	if s == nil {
		return className
	}
	f, ok := s.Fields[key]
	if ok && f.Type == models.FieldRelation && f.TargetClass != "" {
		return f.TargetClass
	}
	return className
}

// EnforceFields validates an incoming payload against the class schema.
// Unknown fields require the addField permission and are added to the
// stored schema with an inferred type; mismatched types are fatal.
func (c *Controller) EnforceFields(ctx context.Context, className string, data models.Record, aclGroup []string, isMaster bool) error {
	s := c.GetOneSchema(className)
	if s == nil {
		s = &models.ClassSchema{ClassName: className, Fields: defaultFields()}
		c.classes[className] = s
	}

	var added bool
	for field, value := range data {
		if field == "objectId" || field == "createdAt" || field == "updatedAt" || field == "ACL" {
			continue
		}
		// Underscore-prefixed fields are pipeline-managed (hashed password,
		// reset tokens) and never part of the declared schema.
		if strings.HasPrefix(field, "_") {
			continue
		}
		if !fieldNameRe.MatchString(field) {
			return apierr.New(apierr.CodeInvalidKeyName, "Invalid field name: %s.", field)
		}
		if models.IsDeleteSentinel(value) {
			continue
		}
		existing, known := s.Fields[field]
		if !known {
			if err := c.ValidatePermission(className, "addField", aclGroup, isMaster); err != nil {
				return err
			}
			s.Fields[field] = inferField(value)
			added = true
			continue
		}
		if inferred := inferField(value); !typeMatches(existing, inferred, value) {
			return apierr.New(apierr.CodeIncorrectType,
				"schema mismatch for %s.%s; expected %s but got %s",
				className, field, existing.Type, inferred.Type)
		}
	}

	if added {
		if err := c.adapter.SaveSchema(ctx, s); err != nil {
			return fmt.Errorf("persist schema for %s: %w", className, err)
		}
	}
	return nil
}

func typeMatches(have, inferred models.Field, value any) bool {
	if have.Type == inferred.Type {
		if have.Type == models.FieldPointer && have.TargetClass != "" && inferred.TargetClass != have.TargetClass {
			return false
		}
		return true
	}
	// Field operations (Increment on Number, Add on Array, relation ops)
	// arrive as Object-shaped values.
	if inferred.Type == models.FieldObject {
		if m, ok := value.(map[string]any); ok {
			if op, _ := m["__op"].(string); op != "" {
				return true
			}
		}
	}
	return false
}

// inferField derives a schema field from a value's wire shape.
func inferField(value any) models.Field {
	switch v := value.(type) {
	case string:
		return models.Field{Type: models.FieldString}
	case bool:
		return models.Field{Type: models.FieldBoolean}
	case float64, int, int64:
		return models.Field{Type: models.FieldNumber}
	case []any:
		return models.Field{Type: models.FieldArray}
	case map[string]any:
		switch t, _ := v["__type"].(string); t {
		case "Pointer":
			cls, _ := v["className"].(string)
			return models.Field{Type: models.FieldPointer, TargetClass: cls}
		case "Relation":
			cls, _ := v["className"].(string)
			return models.Field{Type: models.FieldRelation, TargetClass: cls}
		case "Date":
			return models.Field{Type: models.FieldDate}
		case "File":
			return models.Field{Type: models.FieldFile}
		case "GeoPoint":
			return models.Field{Type: models.FieldGeoPoint}
		case "Polygon":
			return models.Field{Type: models.FieldPolygon}
		case "Bytes":
			return models.Field{Type: models.FieldBytes}
		default:
			return models.Field{Type: models.FieldObject}
		}
	default:
		return models.Field{Type: models.FieldObject}
	}
}

// IsSystemClass reports whether a class name is reserved.
func IsSystemClass(className string) bool {
	return strings.HasPrefix(className, "_")
}

func defaultFields() map[string]models.Field {
	return map[string]models.Field{}
}

func systemClassDefaults() map[string]*models.ClassSchema {
	return map[string]*models.ClassSchema{
		models.UserClass: {
			ClassName: models.UserClass,
			Fields: map[string]models.Field{
				"username":      {Type: models.FieldString},
				"password":      {Type: models.FieldString},
				"email":         {Type: models.FieldString},
				"emailVerified": {Type: models.FieldBoolean},
				"authData":      {Type: models.FieldObject},
			},
		},
		models.SessionClass: {
			ClassName: models.SessionClass,
			Fields: map[string]models.Field{
				"user":           {Type: models.FieldPointer, TargetClass: models.UserClass},
				"sessionToken":   {Type: models.FieldString},
				"installationId": {Type: models.FieldString},
				"createdWith":    {Type: models.FieldObject},
				"expiresAt":      {Type: models.FieldDate},
				"restricted":     {Type: models.FieldBoolean},
			},
		},
		models.InstallationClass: {
			ClassName: models.InstallationClass,
			Fields: map[string]models.Field{
				"installationId": {Type: models.FieldString},
				"deviceToken":    {Type: models.FieldString},
				"deviceType":     {Type: models.FieldString},
				"channels":       {Type: models.FieldArray},
				"appIdentifier":  {Type: models.FieldString},
				"appVersion":     {Type: models.FieldString},
				"badge":          {Type: models.FieldNumber},
				"timeZone":       {Type: models.FieldString},
				"localeIdentifier": {Type: models.FieldString},
			},
		},
		models.RoleClass: {
			ClassName: models.RoleClass,
			Fields: map[string]models.Field{
				"name":  {Type: models.FieldString, Required: true},
				"users": {Type: models.FieldRelation, TargetClass: models.UserClass},
				"roles": {Type: models.FieldRelation, TargetClass: models.RoleClass},
			},
		},
		models.PushStatusClass: {
			ClassName: models.PushStatusClass,
			Fields: map[string]models.Field{
				"status":  {Type: models.FieldString},
				"payload": {Type: models.FieldObject},
				"source":  {Type: models.FieldString},
			},
		},
	}
}
