package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

// LoadJobDefinitions reads a JSON array of JobDefinitionInput from path,
// validating each entry. A missing file is not an error — BatchOps can run
// with zero declared Jobs and have them created later. This is the
// boot-time analogue of the (out-of-scope) REST surface's job creation
// endpoint decoding the same DTO from a request body.
func LoadJobDefinitions(path string, v *validator.Validate) ([]JobDefinitionInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read job definitions file %s: %w", path, err)
	}

	var defs []JobDefinitionInput
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse job definitions file %s: %w", path, err)
	}

	for i, def := range defs {
		if err := v.Struct(def); err != nil {
			return nil, fmt.Errorf("job definition %d (%s) failed validation: %w", i, def.Name, err)
		}
	}
	return defs, nil
}
