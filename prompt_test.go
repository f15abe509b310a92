package driftkit

import (
	"context"
	"testing"
	"testing/fstest"
)

func TestPromptSaveVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryPromptStore()

	first, err := store.Save(ctx, Prompt{Method: "summarize", Language: "en", Message: "v1"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if first.State != PromptCurrent || first.ID == "" {
		t.Fatalf("first save = %+v, want CURRENT with id", first)
	}

	// Identical text is idempotent and keeps the id.
	again, err := store.Save(ctx, Prompt{Method: "summarize", Language: "en", Message: "v1"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("idempotent save changed id: %q -> %q", first.ID, again.ID)
	}

	second, err := store.Save(ctx, Prompt{Method: "summarize", Language: "en", Message: "v2"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if second.ID == first.ID {
		t.Error("new version reused old id")
	}

	cur, ok, err := store.Current(ctx, "summarize", "en")
	if err != nil || !ok {
		t.Fatalf("Current: ok=%v err=%v", ok, err)
	}
	if cur.Message != "v2" {
		t.Errorf("current message = %q, want v2", cur.Message)
	}

	hist, err := store.History(ctx, "summarize", "en")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[1].State != PromptReplaced {
		t.Errorf("history = %+v, want [CURRENT REPLACED]", hist)
	}
}

func TestPromptLanguagesIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryPromptStore()
	if _, err := store.Save(ctx, Prompt{Method: "m", Language: "en", Message: "hello"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(ctx, Prompt{Method: "m", Language: "es", Message: "hola"}); err != nil {
		t.Fatal(err)
	}
	en, _, _ := store.Current(ctx, "m", "en")
	es, _, _ := store.Current(ctx, "m", "es")
	if en.Message != "hello" || es.Message != "hola" {
		t.Errorf("languages bled into each other: en=%q es=%q", en.Message, es.Message)
	}
}

func TestRenderSubstitutesVariables(t *testing.T) {
	reg := NewPromptRegistry(NewInMemoryPromptStore())
	p := Prompt{Method: "m", Message: "Hello {{name}}, you have {{count}} items. Bye {{name}}."}
	got := reg.Render(p, map[string]string{"name": "Ada", "count": "3"})
	want := "Hello Ada, you have 3 items. Bye Ada."
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestRenderMissingVariableIsEmpty(t *testing.T) {
	reg := NewPromptRegistry(NewInMemoryPromptStore())
	got := reg.Render(Prompt{Method: "m", Message: "a {{missing}} b"}, nil)
	if got != "a  b" {
		t.Errorf("Render = %q, want %q", got, "a  b")
	}
}

func TestRenderExpandsDictionaryGroups(t *testing.T) {
	dict := NewDictionary()
	dict.SetGroup("glossary", []DictionaryItem{
		{Name: "SLA", Value: "service level agreement"},
		{Name: "MTTR", Value: "mean time to recovery"},
	})
	reg := NewPromptRegistry(NewInMemoryPromptStore(), WithPromptDictionary(dict))
	got := reg.Render(Prompt{Method: "m", Message: "Terms:\n@{glossary}"}, nil)
	want := "Terms:\nSLA: service level agreement\nMTTR: mean time to recovery"
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
	if out := reg.Render(Prompt{Method: "m", Message: "@{unknown}"}, nil); out != "" {
		t.Errorf("unknown group rendered %q, want empty", out)
	}
}

func TestCurrentFallsBackToFS(t *testing.T) {
	ctx := context.Background()
	fsys := fstest.MapFS{
		"greet_en.txt": {Data: []byte("Hi {{name}}")},
	}
	reg := NewPromptRegistry(NewInMemoryPromptStore(), WithPromptFallback(fsys))

	p, ok, err := reg.Current(ctx, "greet", "en")
	if err != nil || !ok {
		t.Fatalf("Current: ok=%v err=%v", ok, err)
	}
	if p.Message != "Hi {{name}}" {
		t.Errorf("fallback message = %q", p.Message)
	}
	// The fallback is persisted as the current version.
	p2, ok, err := reg.Current(ctx, "greet", "en")
	if err != nil || !ok {
		t.Fatalf("second Current: ok=%v err=%v", ok, err)
	}
	if p2.ID != p.ID {
		t.Errorf("fallback was not persisted: id %q vs %q", p2.ID, p.ID)
	}
}

func TestRenderForMissingPrompt(t *testing.T) {
	reg := NewPromptRegistry(NewInMemoryPromptStore())
	_, _, err := reg.RenderFor(context.Background(), "nope", "en", nil)
	if KindOf(err) != KindPromptMissing {
		t.Fatalf("error kind = %v, want %v", KindOf(err), KindPromptMissing)
	}
}

func TestTemplateVariables(t *testing.T) {
	got := TemplateVariables("{{a}} {{b}} {{a}} @{group}")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("TemplateVariables = %v, want [a b]", got)
	}
}

func TestDictionaryNormalizesNFC(t *testing.T) {
	dict := NewDictionary()
	decomposed := "cafe\u0301"
	composed := "caf\u00e9"
	dict.SetGroup("g", []DictionaryItem{{Name: decomposed, Value: "coffee"}})
	items := dict.Group("g")
	if len(items) != 1 || items[0].Name != composed {
		t.Errorf("name = %q, want NFC-composed %q", items[0].Name, composed)
	}
}
