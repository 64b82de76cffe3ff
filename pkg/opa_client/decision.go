package opa_client

import (
	"encoding/json"
	"fmt"
)

// Decision is the outcome of evaluating a rule.
//
// OPA omits the "result" key when the rule is undefined for the given input.
// Defined tells that case apart from a rule that evaluated to null.
type Decision struct {
	Result      interface{}
	Defined     bool
	DecisionID  string
	Metrics     map[string]interface{}
	Provenance  json.RawMessage
	Explanation json.RawMessage

	raw json.RawMessage
}

// Decode unmarshals the result into out. Returns ErrUndefined if there is no result.
func (d *Decision) Decode(out interface{}) error {
	if !d.Defined {
		return ErrUndefined
	}
	return json.Unmarshal(d.raw, out)
}

// Bool returns the result as a boolean
func (d *Decision) Bool() (bool, error) {
	if !d.Defined {
		return false, ErrUndefined
	}
	b, ok := d.Result.(bool)
	if !ok {
		return false, fmt.Errorf("decision result is %T, not bool", d.Result)
	}
	return b, nil
}

// Allowed is true only for a defined result equal to true
func (d *Decision) Allowed() bool {
	b, err := d.Bool()
	return err == nil && b
}

// Document is a value read back from OPA's data tree
type Document struct {
	Value   interface{}
	Defined bool
}

// Policy as stored by OPA. AST is left undecoded.
type Policy struct {
	ID  string          `json:"id"`
	Raw string          `json:"raw"`
	AST json.RawMessage `json:"ast,omitempty"`
}

// resultEnvelope splits an OPA data response into its result and the
// remaining top-level keys.
type resultEnvelope struct {
	result  json.RawMessage
	defined bool
	fields  map[string]json.RawMessage
}

func decodeEnvelope(body []byte) (*resultEnvelope, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, &DecodeError{Body: body, Err: err}
	}
	env := &resultEnvelope{fields: fields}
	env.result, env.defined = fields["result"]
	return env, nil
}

func (env *resultEnvelope) value(body []byte) (interface{}, error) {
	if !env.defined {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(env.result, &v); err != nil {
		return nil, &DecodeError{Body: body, Err: err}
	}
	return v, nil
}

func decodeDecision(body []byte) (*Decision, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	result, err := env.value(body)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		Result:      result,
		Defined:     env.defined,
		Provenance:  env.fields["provenance"],
		Explanation: env.fields["explanation"],
		raw:         env.result,
	}
	if raw, ok := env.fields["decision_id"]; ok {
		if err := json.Unmarshal(raw, &d.DecisionID); err != nil {
			return nil, &DecodeError{Body: body, Err: err}
		}
	}
	if raw, ok := env.fields["metrics"]; ok {
		if err := json.Unmarshal(raw, &d.Metrics); err != nil {
			return nil, &DecodeError{Body: body, Err: err}
		}
	}
	return d, nil
}
