package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/BaSui01/chimera/types"
)

// ResultSchema 所有能力结果必须满足的结构
const ResultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["confidence", "flags"],
  "properties": {
    "payload": {"type": ["object", "null"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "flags": {
      "type": ["array", "null"],
      "items": {"type": "string", "minLength": 1}
    },
    "payment": {
      "type": "object",
      "required": ["recipient", "amount_cents", "category"],
      "properties": {
        "recipient": {"type": "string", "minLength": 1},
        "amount_cents": {"type": "integer", "exclusiveMinimum": 0},
        "category": {"type": "string"}
      }
    }
  }
}`

const schemaBaseURL = "https://chimera.schemas.local/capability/"

// Validator 校验能力结果。可为单个能力追加 payload schema。
type Validator struct {
	result   *jsonschema.Schema
	payloads map[string]*jsonschema.Schema
}

// NewValidator 编译结果 schema
func NewValidator() (*Validator, error) {
	s, err := compileSchema("result", ResultSchema)
	if err != nil {
		return nil, err
	}
	return &Validator{result: s, payloads: make(map[string]*jsonschema.Schema)}, nil
}

// MustNewValidator 同 NewValidator，编译失败时 panic（内置 schema 不应失败）
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// RegisterPayloadSchema 为能力注册 payload schema
func (v *Validator) RegisterPayloadSchema(capability, schema string) error {
	s, err := compileSchema("payload/"+capability, schema)
	if err != nil {
		return err
	}
	v.payloads[capability] = s
	return nil
}

// Validate 校验结果，失败返回永久 SCHEMA_VALIDATION 错误
func (v *Validator) Validate(capability string, res *Result) error {
	if res == nil {
		return types.NewError(types.ErrSchemaValidation, capability+" returned no result")
	}

	doc, err := toDocument(res)
	if err != nil {
		return types.NewError(types.ErrSchemaValidation, "result is not serializable").WithCause(err)
	}
	if err := v.result.Validate(doc); err != nil {
		return types.NewError(types.ErrSchemaValidation,
			fmt.Sprintf("%s result failed schema validation", capability)).
			WithDependency(capability).
			WithCause(err)
	}

	if ps, ok := v.payloads[capability]; ok {
		payload, err := toDocument(res.Payload)
		if err != nil {
			return types.NewError(types.ErrSchemaValidation, "payload is not serializable").WithCause(err)
		}
		if err := ps.Validate(payload); err != nil {
			return types.NewError(types.ErrSchemaValidation,
				fmt.Sprintf("%s payload failed schema validation", capability)).
				WithDependency(capability).
				WithCause(err)
		}
	}
	return nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBaseURL + name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("schema %s load failed: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
	}
	return s, nil
}

// toDocument 转成 jsonschema 期望的通用 JSON 值
func toDocument(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
