// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configdoc

import (
	"bytes"

	"gopkg.in/yaml.v3"

	"grimm.is/tagacct/internal/errors"
)

// GenerateYAML renders the schema as a YAML document for tooling.
func GenerateYAML(schema *Schema) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(schema); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encode schema")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encode schema")
	}
	return buf.Bytes(), nil
}
