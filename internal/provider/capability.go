package provider

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// Capability describes one bridge method. Nil schemas skip validation.
type Capability struct {
	Method string
	Params *openapi3.Schema
	Result *openapi3.Schema
}

// Table is a versioned set of capabilities keyed by method name.
type Table struct {
	Version string
	Methods map[string]Capability
}

// NewTable builds a table from caps.
func NewTable(version string, caps ...Capability) Table {
	t := Table{Version: version, Methods: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		t.Methods[c.Method] = c
	}
	return t
}

// Lookup returns the capability for method.
func (t Table) Lookup(method string) (Capability, bool) {
	c, ok := t.Methods[method]
	return c, ok
}

// validate checks v against s after a JSON round trip, so that Go values are
// seen the way the peer will see them.
func validate(s *openapi3.Schema, v any) error {
	if s == nil {
		return nil
	}
	var raw json.RawMessage
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return s.VisitJSON(generic)
}
