package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodyBytes = 64 << 10

const schemaBase = "https://flightcover.dev/schemas/"

var schemaSources = map[string]string{
	"policy.create.json": `{
  "type": "object",
  "additionalProperties": false,
  "required": ["internal_id", "flight", "departure", "expected_arrival", "tolerance_seconds",
               "payout", "premium", "loss_probability", "beneficiary"],
  "properties": {
    "internal_id": {"type": "integer", "minimum": 0},
    "flight": {"type": "string", "minLength": 1, "maxLength": 16},
    "departure": {"type": "string", "format": "date-time"},
    "expected_arrival": {"type": "string", "format": "date-time"},
    "tolerance_seconds": {"type": "integer", "minimum": 0, "maximum": 31536000},
    "payout": {"$ref": "#/$defs/decimal"},
    "premium": {"$ref": "#/$defs/decimal"},
    "loss_probability": {"$ref": "#/$defs/decimal"},
    "beneficiary": {"$ref": "#/$defs/address"}
  },
  "$defs": {
    "decimal": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "address": {"type": "string", "pattern": "^0[xX][0-9a-fA-F]{40}$"}
  }
}`,
	"oracle.fulfill.json": `{
  "type": "object",
  "additionalProperties": false,
  "required": ["correlation_id", "status"],
  "properties": {
    "correlation_id": {"type": "string", "format": "uuid"},
    "status": {"type": "integer"}
  }
}`,
	"oracle.params.json": `{
  "type": "object",
  "additionalProperties": false,
  "required": ["oracle", "delay_seconds", "fee", "data_job_id", "sleep_job_id"],
  "properties": {
    "oracle": {"type": "string", "pattern": "^0[xX][0-9a-fA-F]{40}$"},
    "delay_seconds": {"type": "integer", "minimum": 0, "maximum": 31536000},
    "fee": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "data_job_id": {"$ref": "#/$defs/job"},
    "sleep_job_id": {"$ref": "#/$defs/job"},
    "version": {"type": "integer"}
  },
  "$defs": {
    "job": {"type": "string", "pattern": "^(0[xX])?[0-9a-fA-F]{32}$"}
  }
}`,
}

// schemas holds the compiled request body schemas by name.
type schemas map[string]*jsonschema.Schema

func compileSchemas() (schemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	for name, src := range schemaSources {
		if err := c.AddResource(schemaBase+name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("failed to load schema %s: %w", name, err)
		}
	}

	out := make(schemas, len(schemaSources))
	for name := range schemaSources {
		s, err := c.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// decode validates the request body against the named schema and then
// unmarshals it into dst. It writes the problem response itself and
// returns false when the body is rejected.
func (s schemas) decode(w http.ResponseWriter, r *http.Request, name string, dst any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "request body too large")
		return false
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		WriteBadRequest(w, r, "request body is not valid JSON")
		return false
	}
	if err := s[name].Validate(doc); err != nil {
		WriteBadRequest(w, r, fmt.Sprintf("schema validation failed: %v", err))
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		WriteBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
