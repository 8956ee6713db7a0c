package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/blocksync/internal/ir"
)

// LoadError represents an error that occurred while loading a spec file.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SpecExtensions lists the file extensions LoadSpecFile understands.
var SpecExtensions = []string{".json", ".yaml", ".yml", ".cue"}

// LoadSpecFile reads a tree spec from a JSON, YAML or CUE file.
// The file must hold a single object; nested objects with a "type" key
// describe children. Numbers must be integers.
func LoadSpecFile(path string) (ir.Object, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("spec file not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("reading spec file: %v", err)}
	}

	var raw any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		raw, err = decodeJSON(data)
	case ".yaml", ".yml":
		raw, err = decodeYAML(data)
	case ".cue":
		raw, err = decodeCUE(path, data)
	default:
		return nil, &LoadError{
			Code:    ErrCodeUnsupported,
			Message: fmt.Sprintf("unsupported spec file extension %q (want one of %v)", ext, SpecExtensions),
		}
	}
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			return nil, le
		}
		return nil, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("%s: %v", path, err)}
	}

	if _, ok := raw.(map[string]any); !ok {
		return nil, &LoadError{Code: ErrCodeNotObject, Message: fmt.Sprintf("%s: spec must be an object, got %s", path, describe(raw))}
	}
	v, err := ir.FromGo(raw)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeBadValue, Message: fmt.Sprintf("%s: %v", path, err)}
	}
	return v.(ir.Object), nil
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeYAML(data []byte) (any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// decodeCUE evaluates a CUE file and exports it as concrete data.
func decodeCUE(path string, data []byte) (any, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, cueLoadError("compiling CUE", err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, cueLoadError("CUE value is not concrete", err)
	}
	exported, err := value.MarshalJSON()
	if err != nil {
		return nil, cueLoadError("exporting CUE", err)
	}
	return decodeJSON(exported)
}

func cueLoadError(what string, err error) *LoadError {
	le := &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("%s: %v", what, err)}
	if pos := cueerrors.Positions(err); len(pos) > 0 {
		le.Pos = pos[0]
	}
	return le
}

func describe(raw any) string {
	switch raw.(type) {
	case nil:
		return "nothing"
	case []any:
		return "a list"
	case map[string]any:
		return "an object"
	default:
		return fmt.Sprintf("%T", raw)
	}
}
