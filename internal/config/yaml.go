package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	yaml "go.yaml.in/yaml/v3"
)

// DecodeFile strictly decodes JSON or YAML (chosen by the extension of path)
// into v. Unknown fields and trailing data are rejected.
func DecodeFile(path string, data []byte, v any) error {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(err, "decode %s", filepath.Base(path))
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.Newf("decode %s: trailing data", filepath.Base(path))
		}
		return errors.Wrapf(err, "decode %s", filepath.Base(path))
	}
	return nil
}

// coerceToJSONBytes converts YAML to JSON bytes so both formats go through the
// strict JSON decoder.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", errors.Wrap(err, "yaml unmarshal")
	}
	if v == nil {
		v = map[string]any{}
	}

	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, "yaml", errors.Wrap(err, "yaml->json marshal")
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
