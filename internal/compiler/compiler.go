// Package compiler validates a parsed block list and compiles it into a
// hash-chained App: name uniqueness, map/reduce pairing, while/end
// pairing, forward-reference-only interpolation checks, and per-block
// hash chaining.
package compiler

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/antigravity-dev/dustengine/internal/blocks"
	"github.com/antigravity-dev/dustengine/internal/hashing"
	"github.com/antigravity-dev/dustengine/internal/parser"
)

// SpecInvalid reports a compile-time validation failure.
// Compilation is pure and reproducible: the same parsed input always
// produces the same SpecInvalid or the same App.
type SpecInvalid struct {
	Reason string
}

func (e *SpecInvalid) Error() string {
	return fmt.Sprintf("invalid specification: %s", e.Reason)
}

// App is the compiled, hashed block graph produced from source text.
type App struct {
	Blocks      []blocks.Variant
	BlockHashes []string // hex chained hash, parallel to Blocks
	Hash        string   // hex hash of the last block; empty for a zero-block app
}

type scopeFrame struct {
	kind string // "map" or "while"
	name string
}

var reservedAccessorRoots = map[string]bool{
	"input":       true,
	"state":       true,
	"map":         true,
	"credentials": true,
	"secrets":     true,
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_.]*)\}`)

// Compile performs the full validation and hashing pipeline
// over parser output.
func Compile(parsed []parser.ParsedBlock) (*App, error) {
	declared := map[string]bool{}
	var scopeStack []scopeFrame

	app := &App{}
	var prevHash [32]byte

	for _, pb := range parsed {
		switch pb.Type {
		case blocks.TypeMap, blocks.TypeWhile:
			if len(scopeStack) > 0 {
				return nil, &SpecInvalid{Reason: fmt.Sprintf("block %q: map and while blocks may not nest", pb.Name)}
			}
			if declared[pb.Name] {
				return nil, &SpecInvalid{Reason: fmt.Sprintf("duplicate block name %q", pb.Name)}
			}
			kind := "map"
			if pb.Type == blocks.TypeWhile {
				kind = "while"
			}
			scopeStack = append(scopeStack, scopeFrame{kind: kind, name: pb.Name})
			declared[pb.Name] = true

		case blocks.TypeReduce:
			if len(scopeStack) == 0 || scopeStack[len(scopeStack)-1].kind != "map" {
				return nil, &SpecInvalid{Reason: fmt.Sprintf("reduce %q: no matching open map block", pb.Name)}
			}
			top := scopeStack[len(scopeStack)-1]
			if top.name != pb.Name {
				return nil, &SpecInvalid{Reason: fmt.Sprintf("reduce %q: does not match open map %q", pb.Name, top.name)}
			}
			scopeStack = scopeStack[:len(scopeStack)-1]

		case blocks.TypeEnd:
			if len(scopeStack) == 0 || scopeStack[len(scopeStack)-1].kind != "while" {
				return nil, &SpecInvalid{Reason: fmt.Sprintf("end %q: no matching open while block", pb.Name)}
			}
			top := scopeStack[len(scopeStack)-1]
			if top.name != pb.Name {
				return nil, &SpecInvalid{Reason: fmt.Sprintf("end %q: does not match open while %q", pb.Name, top.name)}
			}
			scopeStack = scopeStack[:len(scopeStack)-1]

		default:
			if declared[pb.Name] {
				return nil, &SpecInvalid{Reason: fmt.Sprintf("duplicate block name %q", pb.Name)}
			}
			declared[pb.Name] = true
		}

		converted := convertArgs(pb.Args)
		if err := checkReferences(pb, converted, declared); err != nil {
			return nil, err
		}

		variant, err := buildVariant(pb, converted)
		if err != nil {
			return nil, &SpecInvalid{Reason: err.Error()}
		}

		h := hashing.NewHasher()
		if err := variant.InnerHash(h); err != nil {
			return nil, &SpecInvalid{Reason: fmt.Sprintf("block %q: hashing: %v", pb.Name, err)}
		}
		chained := hashing.ChainHash(prevHash, h.Sum())
		prevHash = chained

		app.Blocks = append(app.Blocks, variant)
		app.BlockHashes = append(app.BlockHashes, hashing.Hex(chained))
	}

	if len(scopeStack) > 0 {
		top := scopeStack[len(scopeStack)-1]
		return nil, &SpecInvalid{Reason: fmt.Sprintf("unclosed %s block %q", top.kind, top.name)}
	}

	if len(app.BlockHashes) > 0 {
		app.Hash = app.BlockHashes[len(app.BlockHashes)-1]
	}
	return app, nil
}

// checkReferences enforces the forward-reference-only rule: any
// {state.X.field} or {X.field} interpolation must refer to a block
// declared earlier in the source, or to a reserved accessor root
// (input, map, credentials, secrets).
func checkReferences(pb parser.ParsedBlock, converted map[string]interface{}, declaredBeforeThisBlock map[string]bool) error {
	var placeholders []string
	for _, v := range converted {
		collectPlaceholders(v, &placeholders)
	}

	for _, path := range placeholders {
		root := path
		rest := ""
		for i, r := range path {
			if r == '.' {
				root = path[:i]
				rest = path[i+1:]
				break
			}
		}

		if !reservedAccessorRoots[root] {
			if !declaredBeforeThisBlock[root] || root == pb.Name {
				return &SpecInvalid{Reason: fmt.Sprintf("block %q: reference to undeclared block %q (must be declared earlier)", pb.Name, root)}
			}
			continue
		}
		if root == "state" {
			stateTarget := rest
			for i, r := range rest {
				if r == '.' {
					stateTarget = rest[:i]
					break
				}
			}
			if stateTarget == "" || !declaredBeforeThisBlock[stateTarget] || stateTarget == pb.Name {
				return &SpecInvalid{Reason: fmt.Sprintf("block %q: reference to undeclared block %q (must be declared earlier)", pb.Name, stateTarget)}
			}
		}
	}
	return nil
}

func collectPlaceholders(v interface{}, out *[]string) {
	switch val := v.(type) {
	case string:
		for _, m := range placeholderRe.FindAllStringSubmatch(val, -1) {
			*out = append(*out, m[1])
		}
	case []interface{}:
		for _, e := range val {
			collectPlaceholders(e, out)
		}
	case map[string]interface{}:
		for _, e := range val {
			collectPlaceholders(e, out)
		}
	}
}

// convertArgs turns parser.ArgValue entries into plain Go values block
// constructors accept. Code-fence bodies are first tried as JSON so
// compound-shaped arguments (Chat messages/functions, HTTP headers, LLM
// stop lists) can be authored as a fenced JSON literal even though the
// grammar itself has no array/object syntax; a fence that fails to parse
// as JSON (ordinary JS, as in Code/While blocks) is kept as a raw string.
// The bare identifiers true/false (e.g. use_cache: false) convert to a Go
// bool rather than the literal string, since the grammar has no distinct
// boolean literal either.
func convertArgs(raw map[string]parser.ArgValue) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		switch {
		case v.IsNumber:
			out[k] = v.Number
		case v.IsCode:
			var decoded interface{}
			if err := json.Unmarshal([]byte(v.Raw), &decoded); err == nil {
				out[k] = decoded
			} else {
				out[k] = v.Raw
			}
		case v.Raw == "true":
			out[k] = true
		case v.Raw == "false":
			out[k] = false
		default:
			out[k] = v.Raw
		}
	}
	return out
}

func buildVariant(pb parser.ParsedBlock, converted map[string]interface{}) (blocks.Variant, error) {
	switch pb.Type {
	case blocks.TypeInput:
		return blocks.NewInput(pb.Name), nil
	case blocks.TypeData:
		return blocks.NewData(pb.Name, converted)
	case blocks.TypeCode:
		return blocks.NewCode(pb.Name, converted)
	case blocks.TypeLLM:
		return blocks.NewLLM(pb.Name, converted)
	case blocks.TypeChat:
		return blocks.NewChat(pb.Name, converted)
	case blocks.TypeMap:
		return blocks.NewMap(pb.Name, converted)
	case blocks.TypeReduce:
		return blocks.NewReduce(pb.Name, converted)
	case blocks.TypeSearch:
		return blocks.NewSearch(pb.Name, converted)
	case blocks.TypeDataSource:
		return blocks.NewDataSource(pb.Name, converted)
	case blocks.TypeBrowser:
		return blocks.NewBrowser(pb.Name, converted)
	case blocks.TypeCurl:
		return blocks.NewCurl(pb.Name, converted)
	case blocks.TypeWhile:
		return blocks.NewWhile(pb.Name, converted)
	case blocks.TypeEnd:
		return blocks.NewEnd(pb.Name, converted)
	default:
		return nil, fmt.Errorf("block %q: unknown block type %q", pb.Name, pb.Type)
	}
}
