package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// LoadError reports a file that could not be loaded or does not match the
// schema. Pos is set when the problem has a source position.
type LoadError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Load reads the configuration at path. A directory or a .cue file is
// loaded as CUE; .yaml, .yml and .json files are loaded as YAML. The
// result has passed both the schema and File.Validate.
func Load(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Path: path, Message: err.Error()}
	}

	ctx := cuecontext.New()
	var v cue.Value
	switch ext := filepath.Ext(path); {
	case info.IsDir():
		v, err = buildCUE(ctx, path, ".")
	case ext == ".cue":
		v, err = buildCUE(ctx, filepath.Dir(path), "./"+filepath.Base(path))
	case ext == ".yaml", ext == ".yml", ext == ".json":
		v, err = buildYAML(ctx, path)
	default:
		return nil, &LoadError{Path: path, Message: fmt.Sprintf("unsupported config format %q", ext)}
	}
	if err != nil {
		return nil, err
	}
	return decode(ctx, path, v)
}

// Parse decodes YAML configuration from data. name labels errors.
func Parse(name string, data []byte) (*File, error) {
	ctx := cuecontext.New()
	v, err := encodeYAML(ctx, name, data)
	if err != nil {
		return nil, err
	}
	return decode(ctx, name, v)
}

func buildCUE(ctx *cue.Context, dir, arg string) (cue.Value, error) {
	instances := load.Instances([]string{arg}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, &LoadError{Path: dir, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, cueError(dir, inst.Err)
	}
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return cue.Value{}, cueError(dir, err)
	}
	return v, nil
}

func buildYAML(ctx *cue.Context, path string) (cue.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, &LoadError{Path: path, Message: err.Error()}
	}
	return encodeYAML(ctx, path, data)
}

func encodeYAML(ctx *cue.Context, name string, data []byte) (cue.Value, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cue.Value{}, &LoadError{Path: name, Message: err.Error()}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return cue.Value{}, cueError(name, err)
	}
	return v, nil
}

// decode checks v against the schema and decodes the exported value.
func decode(ctx *cue.Context, path string, v cue.Value) (*File, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, cueError("schema.cue", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(path, err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, cueError(path, err)
	}
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, &LoadError{Path: path, Message: err.Error()}
	}
	f.Source = path
	if err := f.Validate(); err != nil {
		return nil, &LoadError{Path: path, Message: err.Error()}
	}
	return f, nil
}

// cueError keeps the first CUE error and its position.
func cueError(path string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Path: path, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Path: path, Message: first.Error()}
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		le.Pos = pos[0]
	}
	return le
}
