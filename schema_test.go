package driftkit

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type ticketForm struct {
	Title    string   `json:"title" schema:"required" desc:"Short summary"`
	Severity string   `json:"severity" enum:"low,medium,high" schema:"required"`
	Count    int      `json:"count"`
	Score    float64  `json:"score"`
	Urgent   bool     `json:"urgent"`
	Tags     []string `json:"tags" schema:"multiselect"`
	Reporter struct {
		Name  string `json:"name"`
		Email string `json:"email" nameId:"reporter_email"`
	} `json:"reporter"`
}

func TestRegisterDerivesProperties(t *testing.T) {
	reg := NewSchemaRegistry()
	s, err := reg.Register(ticketForm{}, WithSchemaDescription("support ticket"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if s.ID != "ticketForm" {
		t.Errorf("schema id = %q, want ticketForm", s.ID)
	}
	if len(s.Properties) != 7 {
		t.Fatalf("got %d properties, want 7", len(s.Properties))
	}
	if s.Properties[0].Name != "title" || !s.Properties[0].Required {
		t.Errorf("title property = %+v, want required", s.Properties[0])
	}
	sev := s.Properties[1]
	if sev.Type != TypeEnum || len(sev.EnumValues) != 3 {
		t.Errorf("severity property = %+v, want enum with 3 values", sev)
	}
	tags := s.Properties[5]
	if tags.Type != TypeArray || !tags.MultiSelect {
		t.Errorf("tags property = %+v, want multiselect array", tags)
	}
	rep := s.Properties[6]
	if rep.Type != TypeObject || len(rep.Properties) != 2 {
		t.Fatalf("reporter property = %+v, want object with 2 fields", rep)
	}
	if rep.Properties[1].NameID != "reporter_email" {
		t.Errorf("email nameId = %q, want reporter_email", rep.Properties[1].NameID)
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	reg := NewSchemaRegistry()
	if _, err := reg.Register(ticketForm{}, WithSchemaID("form")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	type other struct {
		X string `json:"x"`
	}
	_, err := reg.Register(other{}, WithSchemaID("form"))
	if KindOf(err) != KindValidation {
		t.Fatalf("duplicate id error kind = %v, want %v", KindOf(err), KindValidation)
	}
}

func TestInstantiateExtractRoundTrip(t *testing.T) {
	reg := NewSchemaRegistry()
	if _, err := reg.Register(ticketForm{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	in := map[string]string{
		"title":          "printer on fire",
		"severity":       "high",
		"count":          "3",
		"score":          "0.75",
		"urgent":         "true",
		"tags":           "hardware,office",
		"reporter.name":  "Sam",
		"reporter.email": "sam@example.com",
	}
	rec, err := reg.Instantiate("ticketForm", in)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	form, ok := rec.(ticketForm)
	if !ok {
		t.Fatalf("Instantiate returned %T, want ticketForm", rec)
	}
	if form.Severity != "high" || form.Count != 3 || !form.Urgent {
		t.Errorf("unexpected record: %+v", form)
	}
	if len(form.Tags) != 2 || form.Tags[0] != "hardware" {
		t.Errorf("tags = %v, want [hardware office]", form.Tags)
	}
	if form.Reporter.Email != "sam@example.com" {
		t.Errorf("reporter.email = %q", form.Reporter.Email)
	}

	out, err := reg.ExtractProperties(form)
	if err != nil {
		t.Fatalf("ExtractProperties: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("round trip produced %d keys, want %d: %v", len(out), len(in), out)
	}
	for k, want := range in {
		if out[k] != want {
			t.Errorf("round trip %q = %q, want %q", k, out[k], want)
		}
	}
}

func TestInstantiateRequiredMissing(t *testing.T) {
	reg := NewSchemaRegistry()
	if _, err := reg.Register(ticketForm{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := reg.Instantiate("ticketForm", map[string]string{"severity": "low"})
	if err == nil {
		t.Fatal("expected error for missing required field")
	}
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if de.Kind != KindValidation || de.Field != "title" {
		t.Errorf("error = kind %v field %q, want validation/title", de.Kind, de.Field)
	}
}

func TestInstantiateEnumRejectsUnknownSymbol(t *testing.T) {
	reg := NewSchemaRegistry()
	if _, err := reg.Register(ticketForm{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := reg.Instantiate("ticketForm", map[string]string{
		"title":    "x",
		"severity": "catastrophic",
	})
	var de *Error
	if !errors.As(err, &de) || de.Field != "severity" {
		t.Fatalf("expected validation error on severity, got %v", err)
	}
}

func TestInstantiateJSONArray(t *testing.T) {
	reg := NewSchemaRegistry()
	if _, err := reg.Register(ticketForm{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec, err := reg.Instantiate("ticketForm", map[string]string{
		"title":    "x",
		"severity": "low",
		"tags":     `["a","b","c"]`,
	})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	form := rec.(ticketForm)
	if len(form.Tags) != 3 || form.Tags[2] != "c" {
		t.Errorf("tags = %v, want [a b c]", form.Tags)
	}
}

type labelForm struct {
	Name   string   `json:"name" schema:"required"`
	Colors []string `json:"colors" schema:"required,multiselect" enum:"red,green,blue"`
}

func TestRegisterMultiSelectEnum(t *testing.T) {
	reg := NewSchemaRegistry()
	s, err := reg.Register(labelForm{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	colors := s.Properties[1]
	if colors.Type != TypeArray || !colors.MultiSelect {
		t.Fatalf("colors property = %+v, want multiselect array", colors)
	}
	if colors.Items == nil || colors.Items.Type != TypeEnum || len(colors.Items.EnumValues) != 3 {
		t.Fatalf("colors items = %+v, want enum with 3 symbols", colors.Items)
	}
	raw := JSONSchema(s)
	if !strings.Contains(string(raw), `"items"`) || !strings.Contains(string(raw), `"red"`) {
		t.Errorf("rendered schema misses the array enum: %s", raw)
	}

	rec, err := reg.Instantiate("labelForm", map[string]string{
		"name":   "palette",
		"colors": "red,blue",
	})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	form := rec.(labelForm)
	if len(form.Colors) != 2 || form.Colors[1] != "blue" {
		t.Errorf("colors = %v, want [red blue]", form.Colors)
	}

	_, err = reg.Instantiate("labelForm", map[string]string{
		"name":   "palette",
		"colors": "red,purple",
	})
	var de *Error
	if !errors.As(err, &de) || de.Field != "colors" {
		t.Fatalf("expected validation error on colors, got %v", err)
	}
}

func TestRegisterEnumRejectsUnsupportedKind(t *testing.T) {
	type bad struct {
		N int `json:"n" enum:"1,2"`
	}
	reg := NewSchemaRegistry()
	if _, err := reg.Register(bad{}); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestJSONSchemaRendering(t *testing.T) {
	reg := NewSchemaRegistry()
	s, err := reg.Register(ticketForm{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	raw := JSONSchema(s)
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("rendered schema is not valid JSON: %v", err)
	}
	if doc["type"] != "object" {
		t.Errorf("type = %v, want object", doc["type"])
	}
	req, _ := doc["required"].([]any)
	if len(req) != 2 {
		t.Errorf("required = %v, want [severity title]", req)
	}
	if !strings.Contains(string(raw), `"enum"`) {
		t.Errorf("rendered schema misses enum values: %s", raw)
	}
}
