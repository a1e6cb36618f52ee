package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parley-voice/parley/internal/shared"
)

//go:embed schemas/outbound.schema.json
var outboundSchemaJSON []byte

const outboundSchemaURL = "https://parley.local/schemas/outbound.schema.json"

var (
	outboundOnce   sync.Once
	outboundSchema *jsonschema.Schema
	outboundErr    error
)

func compileOutbound() (*jsonschema.Schema, error) {
	outboundOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(outboundSchemaURL, bytes.NewReader(outboundSchemaJSON)); err != nil {
			outboundErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		outboundSchema, outboundErr = compiler.Compile(outboundSchemaURL)
	})
	return outboundSchema, outboundErr
}

// ValidateOutbound checks a frame against the outbound contract before it
// is written to the event channel.
func ValidateOutbound(frame any) error {
	schema, err := compileOutbound()
	if err != nil {
		return fmt.Errorf("compile outbound schema: %w", err)
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidFrame, err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidFrame, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidFrame, err)
	}
	return nil
}
