package config

import (
	"fmt"

	"cuelang.org/go/cue/cuecontext"
)

// evaluateCUE compiles a CUE document and exports it as JSON, which the YAML
// decoder accepts unchanged so both formats share the same struct tags.
func evaluateCUE(path string, raw []byte) ([]byte, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(raw)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile cue %s: %w", path, err)
	}
	if err := value.Validate(); err != nil {
		return nil, fmt.Errorf("validate cue %s: %w", path, err)
	}
	out, err := value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export cue %s: %w", path, err)
	}
	return out, nil
}
