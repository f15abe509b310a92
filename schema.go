package driftkit

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// PropertyType is the wire type of a schema property.
type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeInteger PropertyType = "integer"
	TypeNumber  PropertyType = "number"
	TypeBoolean PropertyType = "boolean"
	TypeEnum    PropertyType = "enum"
	TypeArray   PropertyType = "array"
	TypeObject  PropertyType = "object"
)

// SchemaProperty describes one field of a record type.
type SchemaProperty struct {
	// Name is the user-facing field name (the json tag, or the Go field name).
	Name string `json:"name"`
	// NameID is the stable, language-independent identifier.
	NameID string `json:"nameId"`
	// Type is the wire type.
	Type PropertyType `json:"type"`
	// Description is free text shown to UIs and models.
	Description string `json:"description,omitempty"`
	// Required marks the field as mandatory on instantiate.
	Required bool `json:"required"`
	// MultiSelect marks an enum/array field as multi-valued.
	MultiSelect bool `json:"multiSelect,omitempty"`
	// EnumValues lists the declared symbols for enum fields.
	EnumValues []string `json:"enumValues,omitempty"`
	// Properties describes nested object fields.
	Properties []SchemaProperty `json:"properties,omitempty"`
	// Items describes the element schema for array fields.
	Items *SchemaProperty `json:"items,omitempty"`
}

// Schema is a language-independent description of a record type.
type Schema struct {
	// ID is the stable schema name, unique within a registry.
	ID string `json:"schemaId"`
	// Description is free text.
	Description string `json:"description,omitempty"`
	// Composable marks schemas whose fields become independent steps.
	Composable bool `json:"composable,omitempty"`
	// System flags system-generated (vs user-facing) schemas.
	System bool `json:"system,omitempty"`
	// Properties is the ordered field list (declaration order).
	Properties []SchemaProperty `json:"properties"`
}

// SchemaRef names a schema without carrying its full description.
// Used on workflow steps and suspension markers.
type SchemaRef struct {
	SchemaName string `json:"schemaName"`
}

// --- Registration options ---

// SchemaOption configures a type registration.
type SchemaOption func(*schemaEntry)

// WithSchemaID overrides the derived schema id (default: the Go type name).
func WithSchemaID(id string) SchemaOption {
	return func(e *schemaEntry) { e.id = id }
}

// WithSchemaDescription sets the schema's description.
func WithSchemaDescription(desc string) SchemaOption {
	return func(e *schemaEntry) { e.description = desc }
}

// Composable marks the schema so each field becomes an independent step input.
func Composable() SchemaOption {
	return func(e *schemaEntry) { e.composable = true }
}

// SystemSchema flags the schema as system-generated rather than user-facing.
func SystemSchema() SchemaOption {
	return func(e *schemaEntry) { e.system = true }
}

type schemaEntry struct {
	id          string
	description string
	composable  bool
	system      bool
	typ         reflect.Type
	schema      Schema
}

// SchemaRegistry converts declared record types into Schemas and back.
// Registration is explicit — there is no annotation scanning. All methods are
// safe for concurrent use; lookups after registration are lock-free reads of
// a copy-on-write map.
type SchemaRegistry struct {
	mu     sync.Mutex
	byType map[reflect.Type]*schemaEntry
	byID   map[string]*schemaEntry
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		byType: make(map[reflect.Type]*schemaEntry),
		byID:   make(map[string]*schemaEntry),
	}
}

// Register describes the record type of proto and stores the schema under its
// id. Registering the same type twice returns the existing schema. Returns an
// error when a different type already claimed the id.
func (r *SchemaRegistry) Register(proto any, opts ...SchemaOption) (Schema, error) {
	t := reflect.TypeOf(proto)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return Schema{}, NewError(KindValidation, "schema type must be a struct, got %s", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byType[t]; ok {
		return e.schema, nil
	}

	e := &schemaEntry{id: t.Name(), typ: t}
	for _, opt := range opts {
		opt(e)
	}

	if prev, ok := r.byID[e.id]; ok && prev.typ != t {
		return Schema{}, NewError(KindValidation, "schema id %q already registered for %s", e.id, prev.typ)
	}

	props, err := describeStruct(t)
	if err != nil {
		return Schema{}, err
	}
	e.schema = Schema{
		ID:          e.id,
		Description: e.description,
		Composable:  e.composable,
		System:      e.system,
		Properties:  props,
	}
	r.byType[t] = e
	r.byID[e.id] = e
	return e.schema, nil
}

// GetSchema returns the schema for a registered record type.
func (r *SchemaRegistry) GetSchema(proto any) (Schema, error) {
	t := reflect.TypeOf(proto)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.Lock()
	e, ok := r.byType[t]
	r.mu.Unlock()
	if !ok {
		return Schema{}, NewError(KindNotFound, "schema for type %s is not registered", t)
	}
	return e.schema, nil
}

// SchemaByID looks up a schema by its stable id.
func (r *SchemaRegistry) SchemaByID(id string) (Schema, bool) {
	r.mu.Lock()
	e, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return Schema{}, false
	}
	return e.schema, true
}

// Instantiate builds a record of the schema's type from a property bag.
// Enums parse by symbol, numerics by standard parse, booleans by literal,
// arrays as comma-separated values or a JSON array. Nested objects accept
// dotted-path keys. Fails with a KindValidation error naming the offending
// field when a required value is missing or a value is unparseable.
func (r *SchemaRegistry) Instantiate(schemaID string, values map[string]string) (any, error) {
	r.mu.Lock()
	e, ok := r.byID[schemaID]
	r.mu.Unlock()
	if !ok {
		return nil, NewError(KindNotFound, "schema %q is not registered", schemaID)
	}

	v := reflect.New(e.typ).Elem()
	if err := bindStruct(v, e.schema.Properties, values, ""); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// ExtractProperties is the inverse of Instantiate: it flattens a typed record
// into a name→string map. Zero-valued fields are omitted so that
// ExtractProperties(Instantiate(m)) == m for supported types. Nested records
// serialize as dotted paths; arrays over objects flatten to indexed keys.
func (r *SchemaRegistry) ExtractProperties(record any) (map[string]string, error) {
	v := reflect.ValueOf(record)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, NewError(KindValidation, "record must be a struct, got %s", v.Kind())
	}
	out := make(map[string]string)
	extractStruct(v, "", out)
	return out, nil
}

// --- Reflection helpers ---

// describeStruct converts a struct type into an ordered property list.
// Field order is declaration order. Unexported and json:"-" fields are skipped.
func describeStruct(t reflect.Type) ([]SchemaProperty, error) {
	var props []SchemaProperty
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := fieldName(f)
		if name == "" {
			continue
		}
		p, err := describeField(f, name)
		if err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	return props, nil
}

func describeField(f reflect.StructField, name string) (SchemaProperty, error) {
	p := SchemaProperty{
		Name:        name,
		NameID:      nameID(f, name),
		Description: f.Tag.Get("desc"),
	}
	flags := strings.Split(f.Tag.Get("schema"), ",")
	for _, flag := range flags {
		switch strings.TrimSpace(flag) {
		case "required":
			p.Required = true
		case "multiselect":
			p.MultiSelect = true
		}
	}

	t := f.Type
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if enum := f.Tag.Get("enum"); enum != "" {
		symbols := strings.Split(enum, ",")
		switch {
		case t.Kind() == reflect.String:
			p.Type = TypeEnum
			p.EnumValues = symbols
		case t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.String:
			// Multi-select enum: an array whose elements draw from the
			// declared symbols.
			p.Type = TypeArray
			p.MultiSelect = true
			p.Items = &SchemaProperty{
				Name:       name,
				NameID:     p.NameID,
				Type:       TypeEnum,
				EnumValues: symbols,
			}
		default:
			return p, NewError(KindValidation, "enum field %q must have string or []string kind", name)
		}
		return p, nil
	}

	switch t.Kind() {
	case reflect.String:
		p.Type = TypeString
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		p.Type = TypeInteger
	case reflect.Float32, reflect.Float64:
		p.Type = TypeNumber
	case reflect.Bool:
		p.Type = TypeBoolean
	case reflect.Slice:
		p.Type = TypeArray
		elem, err := describeField(reflect.StructField{Type: t.Elem(), Tag: f.Tag}, name)
		if err != nil {
			return p, err
		}
		elem.Name = name
		p.Items = &elem
	case reflect.Struct:
		p.Type = TypeObject
		nested, err := describeStruct(t)
		if err != nil {
			return p, err
		}
		p.Properties = nested
	default:
		return p, NewError(KindValidation, "unsupported field kind %s for %q", t.Kind(), name)
	}
	return p, nil
}

func fieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	if tag != "" {
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		if tag != "" {
			return tag
		}
	}
	return f.Name
}

func nameID(f reflect.StructField, fallback string) string {
	if id := f.Tag.Get("nameId"); id != "" {
		return id
	}
	return fallback
}

// bindStruct fills v's fields from the flat property bag. prefix carries the
// dotted path for nested objects.
func bindStruct(v reflect.Value, props []SchemaProperty, values map[string]string, prefix string) error {
	t := v.Type()
	fieldIdx := exportedFieldIndex(t)
	for _, p := range props {
		fv, ok := fieldIdx[p.Name]
		if !ok {
			continue
		}
		field := v.FieldByIndex(fv)
		key := p.Name
		if prefix != "" {
			key = prefix + "." + p.Name
		}

		if p.Type == TypeObject {
			if err := bindStruct(field, p.Properties, values, key); err != nil {
				return err
			}
			continue
		}

		raw, present := values[key]
		if !present || raw == "" {
			if p.Required {
				return &Error{Kind: KindValidation, Field: key, Message: "required value is missing"}
			}
			continue
		}
		if err := bindScalarOrArray(field, p, raw); err != nil {
			return &Error{Kind: KindValidation, Field: key, Message: err.Error(), Err: err}
		}
	}
	return nil
}

func exportedFieldIndex(t reflect.Type) map[string][]int {
	idx := make(map[string][]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if name := fieldName(f); name != "" {
			idx[name] = f.Index
		}
	}
	return idx
}

func bindScalarOrArray(field reflect.Value, p SchemaProperty, raw string) error {
	for field.Kind() == reflect.Pointer {
		field.Set(reflect.New(field.Type().Elem()))
		field = field.Elem()
	}

	switch p.Type {
	case TypeEnum:
		for _, sym := range p.EnumValues {
			if sym == raw {
				field.SetString(raw)
				return nil
			}
		}
		return fmt.Errorf("value %q is not one of %s", raw, strings.Join(p.EnumValues, "|"))
	case TypeString:
		field.SetString(raw)
	case TypeInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("value %q is not an integer", raw)
		}
		field.SetInt(n)
	case TypeNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("value %q is not a number", raw)
		}
		field.SetFloat(n)
	case TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("value %q is not a boolean", raw)
		}
		field.SetBool(b)
	case TypeArray:
		return bindArray(field, p, raw)
	default:
		return fmt.Errorf("unsupported property type %s", p.Type)
	}
	return nil
}

func bindArray(field reflect.Value, p SchemaProperty, raw string) error {
	var parts []string
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &parts); err != nil {
			return fmt.Errorf("value is not a JSON string array: %v", err)
		}
	} else {
		for _, part := range strings.Split(raw, ",") {
			parts = append(parts, strings.TrimSpace(part))
		}
	}

	slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
	for i, part := range parts {
		elemProp := SchemaProperty{Type: elemType(field.Type().Elem()), EnumValues: p.EnumValues}
		if p.Items != nil {
			elemProp = *p.Items
		}
		if err := bindScalarOrArray(slice.Index(i), elemProp, part); err != nil {
			return fmt.Errorf("element %d: %v", i, err)
		}
	}
	field.Set(slice)
	return nil
}

func elemType(t reflect.Type) PropertyType {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return TypeInteger
	case reflect.Float32, reflect.Float64:
		return TypeNumber
	case reflect.Bool:
		return TypeBoolean
	default:
		return TypeString
	}
}

// extractStruct flattens a struct value into the out map. Zero values are
// omitted. Arrays over objects flatten to indexed keys ("items.0.name").
func extractStruct(v reflect.Value, prefix string, out map[string]string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := fieldName(f)
		if name == "" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		fv := v.Field(i)
		for fv.Kind() == reflect.Pointer {
			if fv.IsNil() {
				fv = reflect.Value{}
				break
			}
			fv = fv.Elem()
		}
		if !fv.IsValid() || fv.IsZero() {
			continue
		}
		switch fv.Kind() {
		case reflect.Struct:
			extractStruct(fv, key, out)
		case reflect.Slice:
			if fv.Type().Elem().Kind() == reflect.Struct {
				for j := 0; j < fv.Len(); j++ {
					extractStruct(fv.Index(j), key+"."+strconv.Itoa(j), out)
				}
			} else {
				parts := make([]string, fv.Len())
				for j := 0; j < fv.Len(); j++ {
					parts[j] = scalarString(fv.Index(j))
				}
				out[key] = strings.Join(parts, ",")
			}
		default:
			out[key] = scalarString(fv)
		}
	}
}

func scalarString(v reflect.Value) string {
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

// --- JSON Schema rendering ---

// JSONSchema renders a Schema as a JSON Schema document. Used by the agent
// layer for structured-output response formats and by the reranker prompt.
func JSONSchema(s Schema) json.RawMessage {
	doc := map[string]any{
		"type":                 "object",
		"properties":           jsonSchemaProps(s.Properties),
		"additionalProperties": false,
	}
	if s.Description != "" {
		doc["description"] = s.Description
	}
	if req := requiredNames(s.Properties); len(req) > 0 {
		doc["required"] = req
	}
	b, _ := json.Marshal(doc)
	return b
}

func jsonSchemaProps(props []SchemaProperty) map[string]any {
	m := make(map[string]any, len(props))
	for _, p := range props {
		m[p.Name] = jsonSchemaProp(p)
	}
	return m
}

func jsonSchemaProp(p SchemaProperty) map[string]any {
	doc := map[string]any{}
	if p.Description != "" {
		doc["description"] = p.Description
	}
	switch p.Type {
	case TypeEnum:
		doc["type"] = "string"
		doc["enum"] = p.EnumValues
	case TypeArray:
		doc["type"] = "array"
		if p.Items != nil {
			doc["items"] = jsonSchemaProp(*p.Items)
		}
	case TypeObject:
		doc["type"] = "object"
		doc["properties"] = jsonSchemaProps(p.Properties)
		if req := requiredNames(p.Properties); len(req) > 0 {
			doc["required"] = req
		}
	default:
		doc["type"] = string(p.Type)
	}
	return doc
}

func requiredNames(props []SchemaProperty) []string {
	var req []string
	for _, p := range props {
		if p.Required {
			req = append(req, p.Name)
		}
	}
	sort.Strings(req)
	return req
}
