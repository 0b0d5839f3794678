package domain

import (
	"fmt"
	"strings"
)

// EntityType is a category of roster record.
type EntityType string

const (
	EntityStudents EntityType = "students"
	EntityParents  EntityType = "parents"
	EntityClasses  EntityType = "classes"
	EntitySchools  EntityType = "schools"
)

type entitySchema struct {
	columns      []string
	searchFields []string
}

var entitySchemas = map[EntityType]entitySchema{
	EntityStudents: {
		columns:      []string{"sourcedId", "givenName", "familyName", "email", "grade", "status", "identifier"},
		searchFields: []string{"givenName", "familyName", "email", "sourcedId", "identifier"},
	},
	EntityParents: {
		columns:      []string{"sourcedId", "givenName", "familyName", "email", "phone", "sms", "role", "status"},
		searchFields: []string{"givenName", "familyName", "email", "phone", "sourcedId"},
	},
	EntityClasses: {
		columns:      []string{"sourcedId", "title", "classCode", "classType", "subjects", "status"},
		searchFields: []string{"title", "classCode", "sourcedId"},
	},
	EntitySchools: {
		columns:      []string{"sourcedId", "name", "type", "identifier", "status"},
		searchFields: []string{"name", "identifier", "sourcedId"},
	},
}

// AllEntityTypes lists every supported entity type in fetch order.
func AllEntityTypes() []EntityType {
	return []EntityType{EntityStudents, EntityParents, EntityClasses, EntitySchools}
}

// ParseEntityType validates a raw entity name. "guardians" is accepted
// as an alias for parents.
func ParseEntityType(raw string) (EntityType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "guardians" {
		name = string(EntityParents)
	}
	e := EntityType(name)
	if _, ok := entitySchemas[e]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntity, raw)
	}
	return e, nil
}

// ParseEntityTypes parses a list of names, dropping duplicates.
func ParseEntityTypes(raw []string) ([]EntityType, error) {
	seen := make(map[EntityType]bool, len(raw))
	out := make([]EntityType, 0, len(raw))
	for _, r := range raw {
		e, err := ParseEntityType(r)
		if err != nil {
			return nil, err
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out, nil
}

// Columns returns the indexed projection for the entity type.
func (e EntityType) Columns() []string {
	return append([]string(nil), entitySchemas[e].columns...)
}

// SearchFields returns the columns searched when none are given.
func (e EntityType) SearchFields() []string {
	return append([]string(nil), entitySchemas[e].searchFields...)
}

// HasColumn reports whether name is part of the indexed projection.
func (e EntityType) HasColumn(name string) bool {
	for _, c := range entitySchemas[e].columns {
		if c == name {
			return true
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (e EntityType) MarshalText() ([]byte, error) {
	if _, ok := entitySchemas[e]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, string(e))
	}
	return []byte(e), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Aliases are not
// accepted here; persisted records always carry the canonical name.
func (e *EntityType) UnmarshalText(text []byte) error {
	candidate := EntityType(text)
	if _, ok := entitySchemas[candidate]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, string(text))
	}
	*e = candidate
	return nil
}

// Relation describes how records of one entity link to another through
// the nested agents array of the full payload.
type Relation struct {
	From      EntityType
	To        EntityType
	Field     string
	AgentType string
}

var relations = map[EntityType]Relation{
	EntityParents:  {From: EntityParents, To: EntityStudents, Field: "agents", AgentType: "user"},
	EntityStudents: {From: EntityStudents, To: EntityParents, Field: "agents", AgentType: "user"},
}

// RelationFor returns the relationship definition for an entity type.
func RelationFor(e EntityType) (Relation, bool) {
	r, ok := relations[e]
	return r, ok
}
