// Package env implements the per-cell Environment: the read-only data
// substrate a block execution sees (input row, accumulated block state,
// credentials, secrets, map scope, run identifiers).
package env

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MapScope describes the current position inside an open map block.
type MapScope struct {
	Name    string          `json:"name"`    // name of the map block that opened this scope
	Element json.RawMessage `json:"element"` // current element value
	Index   int             `json:"index"`   // position of Element within the source array
}

// Environment is an immutable snapshot of execution context for one cell.
// Fork and WithMapElement return new *Environment values that share the
// parent's state via a parent pointer plus a small overlay map, so cloning
// for a map iteration or a concurrent sibling cell never copies the whole
// state map.
type Environment struct {
	parent  *Environment
	overlay map[string]json.RawMessage

	Input       json.RawMessage
	Credentials map[string]string
	Secrets     map[string]string
	Map         *MapScope
	RunID       string
	ProjectID   string
}

// New creates a root environment for a run.
func New(input json.RawMessage, credentials, secrets map[string]string, runID, projectID string) *Environment {
	return &Environment{
		overlay:     make(map[string]json.RawMessage),
		Input:       input,
		Credentials: credentials,
		Secrets:     secrets,
		RunID:       runID,
		ProjectID:   projectID,
	}
}

// WithBlockOutput returns a child environment with blockName's output
// recorded in state, sharing everything else with the parent.
func (e *Environment) WithBlockOutput(blockName string, output json.RawMessage) *Environment {
	child := e.fork()
	child.overlay[blockName] = output
	return child
}

// Fork returns a child environment identical to e but safe to mutate
// independently, used when spinning off concurrent sibling cell
// executions so one cell's state additions never leak into another's.
func (e *Environment) Fork() *Environment {
	return e.fork()
}

// WithMapElement returns a child environment scoped to one element of a
// map block's array, used once per map iteration. Inside the scope the
// element is visible both as map.element and as state.<blockName>, so
// body blocks address the current element by the map's own name; the
// matching reduce later rebinds the name to the assembled array.
func (e *Environment) WithMapElement(blockName string, element json.RawMessage, index int) *Environment {
	child := e.fork()
	child.Map = &MapScope{Name: blockName, Element: element, Index: index}
	child.overlay[blockName] = element
	return child
}

// WithInput returns a child environment bound to a different input row,
// used when expanding across the outer input_idx dimension.
func (e *Environment) WithInput(input json.RawMessage) *Environment {
	child := e.fork()
	child.Input = input
	return child
}

func (e *Environment) fork() *Environment {
	return &Environment{
		parent:      e,
		overlay:     make(map[string]json.RawMessage),
		Input:       e.Input,
		Credentials: e.Credentials,
		Secrets:     e.Secrets,
		Map:         e.Map,
		RunID:       e.RunID,
		ProjectID:   e.ProjectID,
	}
}

// State looks up a block's output by name, walking the overlay chain from
// this environment up to the root.
func (e *Environment) State(blockName string) (json.RawMessage, bool) {
	for cur := e; cur != nil; cur = cur.parent {
		if v, ok := cur.overlay[blockName]; ok {
			return v, true
		}
	}
	return nil, false
}

// Resolve evaluates a dotted accessor path against this environment, the
// same path language used for both template interpolation and while/end
// predicate evaluation. Supported roots: "input", "state.<name>...",
// "map.element", "map.index", "credentials.<name>", "secrets.<name>".
// Path segments into arrays use a numeric index, e.g. "state.search.0.title".
func (e *Environment) Resolve(path string) (interface{}, error) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 || segments[0] == "" {
		return nil, fmt.Errorf("env: empty accessor path")
	}

	root := segments[0]
	rest := segments[1:]

	switch root {
	case "input":
		return resolveJSON(e.Input, rest)
	case "state":
		if len(rest) == 0 {
			return nil, fmt.Errorf("env: accessor %q requires a block name", path)
		}
		raw, ok := e.State(rest[0])
		if !ok {
			return nil, fmt.Errorf("env: no state for block %q", rest[0])
		}
		return resolveJSON(raw, rest[1:])
	case "map":
		if e.Map == nil {
			return nil, fmt.Errorf("env: accessor %q used outside a map scope", path)
		}
		if len(rest) == 0 {
			return nil, fmt.Errorf("env: accessor %q requires map.element or map.index", path)
		}
		switch rest[0] {
		case "element":
			return resolveJSON(e.Map.Element, rest[1:])
		case "index":
			return e.Map.Index, nil
		default:
			return nil, fmt.Errorf("env: unknown map accessor %q", rest[0])
		}
	case "credentials":
		if len(rest) != 1 {
			return nil, fmt.Errorf("env: accessor %q requires exactly one credential name", path)
		}
		v, ok := e.Credentials[rest[0]]
		if !ok {
			return nil, fmt.Errorf("env: no credential %q", rest[0])
		}
		return v, nil
	case "secrets":
		if len(rest) != 1 {
			return nil, fmt.Errorf("env: accessor %q requires exactly one secret name", path)
		}
		v, ok := e.Secrets[rest[0]]
		if !ok {
			return nil, fmt.Errorf("env: no secret %q", rest[0])
		}
		return v, nil
	default:
		return nil, fmt.Errorf("env: unknown accessor root %q", root)
	}
}

func resolveJSON(raw json.RawMessage, path []string) (interface{}, error) {
	if len(raw) == 0 {
		if len(path) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("env: cannot index into empty value at %q", strings.Join(path, "."))
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("env: decoding value: %w", err)
	}

	for _, seg := range path {
		switch node := v.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("env: no key %q", seg)
			}
			v = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("env: expected array index, got %q", seg)
			}
			if idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("env: array index %d out of range (len %d)", idx, len(node))
			}
			v = node[idx]
		default:
			return nil, fmt.Errorf("env: cannot index %q into non-object/array value", seg)
		}
	}
	return v, nil
}

// Format renders the environment as a JSON object suitable for trace
// persistence, with every secret value replaced by "<redacted>".
func (e *Environment) Format() (json.RawMessage, error) {
	return e.render(true)
}

// ScriptValue renders the environment as the JSON object handed to
// sandboxed code. Same shape as Format but with secret values intact:
// redaction applies when an environment is displayed in a trace, not
// when a cell executes against it.
func (e *Environment) ScriptValue() (json.RawMessage, error) {
	return e.render(false)
}

func (e *Environment) render(redactSecrets bool) (json.RawMessage, error) {
	state := make(map[string]json.RawMessage)
	for cur := e; cur != nil; cur = cur.parent {
		for k, v := range cur.overlay {
			if _, exists := state[k]; !exists {
				state[k] = v
			}
		}
	}

	secrets := e.Secrets
	if redactSecrets {
		secrets = make(map[string]string, len(e.Secrets))
		for k := range e.Secrets {
			secrets[k] = "<redacted>"
		}
	}

	out := struct {
		Input       json.RawMessage            `json:"input"`
		State       map[string]json.RawMessage `json:"state"`
		Map         *MapScope                  `json:"map,omitempty"`
		Credentials map[string]string          `json:"credentials"`
		Secrets     map[string]string          `json:"secrets"`
		RunID       string                     `json:"run_id"`
		ProjectID   string                     `json:"project_id"`
	}{
		Input:       e.Input,
		State:       state,
		Map:         e.Map,
		Credentials: e.Credentials,
		Secrets:     secrets,
		RunID:       e.RunID,
		ProjectID:   e.ProjectID,
	}

	return json.Marshal(out)
}
