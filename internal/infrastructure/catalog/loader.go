// Package catalog loads the YAML catalog document: modules with their steps,
// achievement templates and recommendation rules.
//
// A document goes through three gates before it is used:
//  1. the embedded JSON schema (shape, enums, id format),
//  2. catalog.Document.Validate (duplicates, thresholds),
//  3. compilation of every CEL requirement expression.
package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/alem-hub/mastery-engine/internal/domain/achievement"
	"github.com/alem-hub/mastery-engine/internal/domain/adaptation"
	domain "github.com/alem-hub/mastery-engine/internal/domain/catalog"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

//go:embed catalog.schema.json
var schemaJSON []byte

const schemaURL = "schema://mastery-catalog.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse catalog schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add catalog schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// Bundle is a loaded catalog with everything derived from it.
type Bundle struct {
	Catalog   *domain.Catalog
	Evaluator *achievement.Evaluator
	Rules     *adaptation.RuleTable
}

// Load reads and parses the catalog file at path.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return b, nil
}

// Parse validates and decodes a YAML (or JSON) catalog document.
// Every failure is a validation error.
func Parse(data []byte) (*Bundle, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var doc domain.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, shared.WrapError("catalog", "Parse", shared.ErrValidation, "decode document", err)
	}

	cat, err := domain.New(doc)
	if err != nil {
		return nil, err
	}
	ev, err := achievement.NewEvaluator(cat)
	if err != nil {
		return nil, shared.WrapError("catalog", "Parse", shared.ErrValidation, "compile requirement expressions", err)
	}

	return &Bundle{
		Catalog:   cat,
		Evaluator: ev,
		Rules:     adaptation.NewRuleTable(cat.Recommendations()),
	}, nil
}

// validateSchema проверяет документ по встроенной схеме.
// YAML сначала переводится в JSON, чтобы числа пришли в схему как json.Number.
func validateSchema(data []byte) error {
	const op = "Schema"

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return shared.WrapError("catalog", op, shared.ErrValidation, "invalid YAML", err)
	}
	if raw == nil {
		return shared.Validationf("catalog", op, "document is empty")
	}

	asJSON, err := json.Marshal(raw)
	if err != nil {
		return shared.WrapError("catalog", op, shared.ErrValidation, "document is not JSON-compatible", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return shared.WrapError("catalog", op, shared.ErrValidation, "invalid document", err)
	}

	s, err := schema()
	if err != nil {
		return err
	}
	if err := s.Validate(inst); err != nil {
		return shared.WrapError("catalog", op, shared.ErrValidation, schemaMessage(err), err)
	}
	return nil
}

// schemaMessage flattens a validation error into one line per failing location.
func schemaMessage(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return "schema: " + strings.Join(lines, "; ")
}
