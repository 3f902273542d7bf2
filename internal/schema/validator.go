// internal/schema/validator.go
// Package schema provides JSON schema validation for registry event envelopes.
// It ensures that every event published to the stream conforms to the shared
// envelope contract before leaving the service.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema is the JSON schema for the registry event envelope.
// Consumers rely on this shape for routing and replay.
const envelopeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["type", "version", "eventId", "occurredAt", "correlationId", "payload"],
	"properties": {
		"type": {
			"type": "string",
			"pattern": "^registry\\.(agents|ledger)\\.[a-z-]+$"
		},
		"version": {
			"type": "string",
			"pattern": "^\\d+\\.\\d+\\.\\d+$"
		},
		"eventId": {
			"type": "string",
			"minLength": 26,
			"maxLength": 26
		},
		"occurredAt": {
			"type": "string",
			"format": "date-time"
		},
		"correlationId": {
			"type": "string",
			"minLength": 1
		},
		"payload": {}
	}
}`

var (
	compiledEnvelope *gojsonschema.Schema
	compileOnce      sync.Once
	compileErr       error
)

func envelope() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledEnvelope, compileErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	})
	return compiledEnvelope, compileErr
}

// ValidateEnvelope validates a marshaled event envelope against the envelope
// schema. It returns an error describing every violation when the document
// does not conform.
func ValidateEnvelope(doc []byte) error {
	s, err := envelope()
	if err != nil {
		return fmt.Errorf("failed to compile envelope schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to validate envelope: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid event envelope: %s", strings.Join(msgs, "; "))
}
