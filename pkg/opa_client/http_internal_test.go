package opa_client

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckHeaders(t *testing.T) {
	tests := []struct {
		key string
		val string
		eOK bool
	}{
		{
			eOK: false,
			key: "Grpc-Trace-Bin",
			val: "\x00\x00\xe7Z\xa0\xcd\xc4?\xdbT\x00\x00\x00\x00\x00\x00\x00\x00\x01",
		},
		{
			eOK: false,
			key: ":authority",
			val: "",
		},
		{
			eOK: true,
			key: "Authorization",
			val: "Bearer somestring",
		},
	}
	for _, tm := range tests {
		ok := checkHeader("http", tm.key, tm.val)
		if tm.eOK != ok {
			t.Errorf("%s: got: %t wanted: %t", tm.key, ok, tm.eOK)
		}
	}
}

func TestPackagePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "my.data", want: "my/data"},
		{in: "my.policy.allow", want: "my/policy/allow"},
		{in: "single", want: "single"},
		{in: ".leading.dot", want: "leading/dot"},
		{in: "/already/slashed", want: "already/slashed"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, packagePath(tt.in), tt.in)
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare host", in: "localhost", want: "http://localhost"},
		{name: "host port", in: "localhost:8181", want: "http://localhost:8181"},
		{name: "https", in: "https://opa.example.com/", want: "https://opa.example.com"},
		{name: "prefix kept", in: "http://proxy:80/opa/", want: "http://proxy:80/opa"},
		{name: "query dropped", in: "http://localhost:8181?x=1#frag", want: "http://localhost:8181"},
		{name: "bad scheme", in: "ftp://localhost", wantErr: true},
		{name: "no host", in: "http://", wantErr: true},
		{name: "empty", in: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				var urlErr *InvalidURLError
				assert.ErrorAs(t, err, &urlErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeDecision(t *testing.T) {
	t.Run("defined", func(t *testing.T) {
		d, err := decodeDecision([]byte(`{"decision_id":"abc","result":true,"metrics":{"timer_rego_query_eval_ns":12}}`))
		require.NoError(t, err)
		assert.True(t, d.Defined)
		assert.Equal(t, true, d.Result)
		assert.Equal(t, "abc", d.DecisionID)
		assert.Contains(t, d.Metrics, "timer_rego_query_eval_ns")
		assert.True(t, d.Allowed())
	})

	t.Run("null is defined", func(t *testing.T) {
		d, err := decodeDecision([]byte(`{"result":null}`))
		require.NoError(t, err)
		assert.True(t, d.Defined)
		assert.Nil(t, d.Result)
		assert.False(t, d.Allowed())
	})

	t.Run("undefined", func(t *testing.T) {
		d, err := decodeDecision([]byte(`{}`))
		require.NoError(t, err)
		assert.False(t, d.Defined)
		_, err = d.Bool()
		assert.ErrorIs(t, err, ErrUndefined)
		var out map[string]interface{}
		assert.ErrorIs(t, d.Decode(&out), ErrUndefined)
	})

	t.Run("object result", func(t *testing.T) {
		d, err := decodeDecision([]byte(`{"result":{"allow":true,"reasons":["a","b"]}}`))
		require.NoError(t, err)
		var out struct {
			Allow   bool     `json:"allow"`
			Reasons []string `json:"reasons"`
		}
		require.NoError(t, d.Decode(&out))
		assert.True(t, out.Allow)
		assert.Equal(t, []string{"a", "b"}, out.Reasons)
		_, err = d.Bool()
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := decodeDecision([]byte(`<html>`))
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
		assert.Equal(t, []byte(`<html>`), decErr.Body)
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := decodeDecision([]byte(`[1,2]`))
		var decErr *DecodeError
		assert.ErrorAs(t, err, &decErr)
	})
}

func TestClassifyCompileError(t *testing.T) {
	compileBody := `{
		"code": "invalid_parameter",
		"message": "error(s) occurred while compiling module(s)",
		"errors": [
			{
				"code": "rego_parse_error",
				"message": "unexpected eof token",
				"location": {"file": "bad", "row": 3, "col": 1}
			}
		]
	}`

	t.Run("compile error", func(t *testing.T) {
		err := classifyCompileError("bad", http.StatusBadRequest, []byte(compileBody))
		var ce *PolicyCompileError
		require.ErrorAs(t, err, &ce)
		assert.ErrorIs(t, err, ErrPolicyCompile)
		assert.Equal(t, "bad", ce.PolicyID)
		require.Len(t, ce.Errors, 1)
		assert.Equal(t, "rego_parse_error", ce.Errors[0].Code)
		assert.Equal(t, 3, ce.Errors[0].Location.Row)
		assert.Contains(t, err.Error(), "unexpected eof token")
	})

	t.Run("server failure is not a compile error", func(t *testing.T) {
		err := classifyCompileError("p", http.StatusInternalServerError, []byte(`{"code":"internal_error","message":"boom"}`))
		var se *ServerError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "internal_error", se.Code)
	})

	t.Run("unauthorized", func(t *testing.T) {
		err := classifyCompileError("p", http.StatusUnauthorized, []byte(`{"code":"unauthorized","message":"missing token"}`))
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.NotErrorIs(t, err, ErrPolicyCompile)
	})

	t.Run("unparseable 400", func(t *testing.T) {
		err := classifyCompileError("p", http.StatusBadRequest, []byte(`nope`))
		var se *ServerError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, []byte("nope"), se.Body)
	})
}
