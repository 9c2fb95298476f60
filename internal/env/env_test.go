package env

import (
	"encoding/json"
	"testing"
)

func TestStateWalksOverlayChain(t *testing.T) {
	root := New(json.RawMessage(`{"x":1}`), nil, nil, "run1", "proj1")
	child := root.WithBlockOutput("fetch", json.RawMessage(`{"ok":true}`))
	grandchild := child.WithBlockOutput("parse", json.RawMessage(`42`))

	if _, ok := root.State("fetch"); ok {
		t.Fatal("expected root environment to not see child's block output")
	}
	if v, ok := grandchild.State("fetch"); !ok || string(v) != `{"ok":true}` {
		t.Fatalf("expected grandchild to see fetch output via overlay chain, got %v %v", v, ok)
	}
	if v, ok := grandchild.State("parse"); !ok || string(v) != `42` {
		t.Fatalf("expected grandchild to see its own parse output, got %v %v", v, ok)
	}
}

func TestForkDoesNotLeakSiblingState(t *testing.T) {
	root := New(nil, nil, nil, "run1", "proj1")
	a := root.Fork()
	b := root.Fork()

	a = a.WithBlockOutput("only_a", json.RawMessage(`1`))

	if _, ok := b.State("only_a"); ok {
		t.Fatal("expected sibling fork to not see the other fork's state addition")
	}
	if _, ok := a.State("only_a"); !ok {
		t.Fatal("expected fork to see its own state addition")
	}
}

func TestWithMapElementSetsScope(t *testing.T) {
	root := New(nil, nil, nil, "run1", "proj1")
	scoped := root.WithMapElement("items", json.RawMessage(`{"id":3}`), 2)

	if scoped.Map == nil {
		t.Fatal("expected map scope to be set")
	}
	if scoped.Map.Index != 2 {
		t.Fatalf("Map.Index = %d, want 2", scoped.Map.Index)
	}
	if root.Map != nil {
		t.Fatal("expected parent environment to be unaffected")
	}
}

func TestResolveInputPath(t *testing.T) {
	e := New(json.RawMessage(`{"user":{"name":"ada"}}`), nil, nil, "r", "p")
	v, err := e.Resolve("input.user.name")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "ada" {
		t.Fatalf("Resolve = %v, want ada", v)
	}
}

func TestResolveStatePath(t *testing.T) {
	e := New(nil, nil, nil, "r", "p").WithBlockOutput("search", json.RawMessage(`{"results":[{"title":"a"},{"title":"b"}]}`))
	v, err := e.Resolve("state.search.results.1.title")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "b" {
		t.Fatalf("Resolve = %v, want b", v)
	}
}

func TestResolveMapScope(t *testing.T) {
	e := New(nil, nil, nil, "r", "p").WithMapElement("items", json.RawMessage(`{"id":7}`), 4)

	idx, err := e.Resolve("map.index")
	if err != nil {
		t.Fatalf("Resolve map.index: %v", err)
	}
	if idx != 4 {
		t.Fatalf("map.index = %v, want 4", idx)
	}

	id, err := e.Resolve("map.element.id")
	if err != nil {
		t.Fatalf("Resolve map.element.id: %v", err)
	}
	idFloat, ok := id.(float64)
	if !ok || idFloat != 7 {
		t.Fatalf("map.element.id = %v, want 7", id)
	}
}

func TestResolveMapScopeOutsideMapErrors(t *testing.T) {
	e := New(nil, nil, nil, "r", "p")
	if _, err := e.Resolve("map.index"); err == nil {
		t.Fatal("expected error resolving map accessor outside a map scope")
	}
}

func TestResolveCredentialsAndSecrets(t *testing.T) {
	e := New(nil, map[string]string{"api": "cred-val"}, map[string]string{"token": "secret-val"}, "r", "p")

	v, err := e.Resolve("credentials.api")
	if err != nil || v != "cred-val" {
		t.Fatalf("Resolve credentials.api = %v, %v", v, err)
	}

	v, err = e.Resolve("secrets.token")
	if err != nil || v != "secret-val" {
		t.Fatalf("Resolve secrets.token = %v, %v", v, err)
	}
}

func TestFormatRedactsSecrets(t *testing.T) {
	e := New(json.RawMessage(`{}`), nil, map[string]string{"token": "super-secret"}, "r1", "p1")
	out, err := e.Format()
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	var decoded struct {
		Secrets map[string]string `json:"secrets"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Secrets["token"] != "<redacted>" {
		t.Fatalf("expected secret to be redacted, got %q", decoded.Secrets["token"])
	}
}

func TestScriptValueKeepsSecrets(t *testing.T) {
	e := New(nil, nil, map[string]string{"token": "super-secret"}, "r1", "p1")
	out, err := e.ScriptValue()
	if err != nil {
		t.Fatalf("ScriptValue: %v", err)
	}

	var decoded struct {
		Secrets map[string]string `json:"secrets"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Secrets["token"] != "super-secret" {
		t.Fatalf("expected sandboxed code to see the real secret, got %q", decoded.Secrets["token"])
	}
}

func TestWithMapElementBindsScopeNameInState(t *testing.T) {
	root := New(nil, nil, nil, "run1", "proj1")
	scoped := root.WithMapElement("M", json.RawMessage(`{"v":1}`), 0)

	v, ok := scoped.State("M")
	if !ok || string(v) != `{"v":1}` {
		t.Fatalf("expected state.M to be the current element inside the scope, got %v %v", string(v), ok)
	}
	if _, ok := root.State("M"); ok {
		t.Fatal("expected parent environment to be unaffected")
	}
}

func TestResolveUnknownRootErrors(t *testing.T) {
	e := New(nil, nil, nil, "r", "p")
	if _, err := e.Resolve("bogus.path"); err == nil {
		t.Fatal("expected error for unknown accessor root")
	}
}

func TestResolveOutOfRangeIndexErrors(t *testing.T) {
	e := New(json.RawMessage(`[1,2,3]`), nil, nil, "r", "p")
	if _, err := e.Resolve("input.5"); err == nil {
		t.Fatal("expected error for out-of-range array index")
	}
}
