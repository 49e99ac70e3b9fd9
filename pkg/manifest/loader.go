package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/studyflow/internal/assets/schemas"
)

var submissionSchema = sync.OnceValues(func() (*schema.Validator, error) {
	if len(schemasassets.SubmissionSchema) == 0 {
		return nil, errors.New("embedded submission schema is empty")
	}
	v, err := schema.NewValidator(schemasassets.SubmissionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}
	return v, nil
})

// checkSchema validates JSON-encoded manifest data. Warnings are ignored.
func checkSchema(jsonData []byte) error {
	v, err := submissionSchema()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	var ps Problems
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			ps = append(ps, Problem{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(ps) == 0 {
		return nil
	}
	return ps
}

// Load reads and validates a submission manifest from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for JSON.
// If the extension is unrecognized, YAML is attempted first, then JSON.
func Load(path string) (*Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("submission manifest not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading submission manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read submission manifest: %w", err)
	}

	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a manifest from raw bytes.
//
// Validation runs on the raw data (converted to JSON) before parsing into the
// typed struct, so unknown fields are rejected rather than silently dropped.
func LoadFromBytes(data []byte, path string) (*Submission, error) {
	if len(data) == 0 {
		return nil, errors.New("submission manifest is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	if err := checkSchema(jsonData); err != nil {
		return nil, err
	}

	s, err := parseSubmission(data, path)
	if err != nil {
		return nil, err
	}
	s.ApplyDefaults()

	if err := checkPrimary(s); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFromReader reads and validates a manifest from an io.Reader.
func LoadFromReader(r io.Reader, path string) (*Submission, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read submission manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// Save validates s and writes it to path as YAML, atomically.
func Save(path string, s *Submission) error {
	s.ApplyDefaults()
	if err := Validate(s); err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal submission manifest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

func parseSubmission(data []byte, path string) (*Submission, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		s, yamlErr := parseYAML(data)
		if yamlErr == nil {
			return s, nil
		}
		s, jsonErr := parseJSON(data)
		if jsonErr == nil {
			return s, nil
		}
		return nil, fmt.Errorf("failed to parse submission manifest (tried YAML and JSON): %w", yamlErr)
	}
}

func parseJSON(data []byte) (*Submission, error) {
	var s Submission
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid JSON in submission manifest: %w", err)
	}
	return &s, nil
}

func parseYAML(data []byte) (*Submission, error) {
	var s Submission
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid YAML in submission manifest: %w", err)
	}
	return &s, nil
}

// toJSON converts the input to JSON for schema validation.
func toJSON(data []byte, path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in submission manifest: %w", err)
		}
		return data, nil

	case ".yaml", ".yml":
		return yamlToJSON(data)

	default:
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse submission manifest (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in submission manifest: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert submission manifest to JSON: %w", err)
	}

	return jsonData, nil
}
