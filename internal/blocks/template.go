package blocks

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antigravity-dev/dustengine/internal/env"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_.]*)\}`)

var accessorRoots = map[string]bool{
	"input":       true,
	"state":       true,
	"map":         true,
	"credentials": true,
	"secrets":     true,
}

// interpolate resolves every `{path}` placeholder in tmpl against e. Bare
// paths like `{X.field}` are sugar for `{state.X.field}`. Resolution
// failures surface as errors rather than silent nulls.
func interpolate(tmpl string, e *env.Environment) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		if firstErr != nil {
			return match
		}
		path := strings.Trim(match, "{}")
		resolved, err := resolvePath(path, e)
		if err != nil {
			firstErr = err
			return match
		}
		return fmt.Sprint(resolved)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func resolvePath(path string, e *env.Environment) (interface{}, error) {
	root := path
	if idx := strings.IndexByte(path, '.'); idx >= 0 {
		root = path[:idx]
	}
	if !accessorRoots[root] {
		path = "state." + path
	}
	return e.Resolve(path)
}
