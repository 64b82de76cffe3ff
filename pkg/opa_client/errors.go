package opa_client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/open-policy-agent/opa/server/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrUndefined         = errors.New("undefined decision")
	ErrServerUnavailable = errors.New("opa server unavailable")
	ErrNotFound          = errors.New("opa resource not found")
	ErrUnauthorized      = errors.New("opa request unauthorized")
	ErrPolicyCompile     = errors.New("opa policy compile error")
)

// ServerUnavailableError is returned when OPA could not be reached at all,
// or when it reports itself unhealthy.
type ServerUnavailableError struct {
	Address    string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *ServerUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("opa server unavailable at %s: status %d", e.Address, e.StatusCode)
	}
	return fmt.Sprintf("opa server unavailable at %s: %s", e.Address, e.Err)
}

// Unwrap exposes the transport error, e.g. syscall.ECONNREFUSED
func (e *ServerUnavailableError) Unwrap() error {
	return e.Err
}

func (e *ServerUnavailableError) Is(target error) bool {
	return target == ErrServerUnavailable
}

// ServerError is a non-2xx response that was not classified any further.
// Code and Message are filled in when the body is an OPA error payload.
type ServerError struct {
	StatusCode int
	Body       []byte
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("opa server error %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("opa server error %d: `%s`", e.StatusCode, string(e.Body))
}

func (e *ServerError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// InvalidDocumentError is returned before any request is sent when a
// document cannot be serialized to JSON.
type InvalidDocumentError struct {
	Path string
	Err  error
}

func (e *InvalidDocumentError) Error() string {
	return fmt.Sprintf("invalid document at %q: %s", e.Path, e.Err)
}

func (e *InvalidDocumentError) Unwrap() error {
	return e.Err
}

// CompileErrorDetail is a single compiler diagnostic from OPA
type CompileErrorDetail struct {
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	Location *Location `json:"location,omitempty"`
}

type Location struct {
	File string `json:"file"`
	Row  int    `json:"row"`
	Col  int    `json:"col"`
}

func (d CompileErrorDetail) String() string {
	if d.Location == nil {
		return fmt.Sprintf("%s: %s", d.Code, d.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s: %s", d.Location.File, d.Location.Row, d.Location.Col, d.Code, d.Message)
}

// PolicyCompileError carries the diagnostics OPA reported for a rejected
// policy or query.
type PolicyCompileError struct {
	PolicyID   string
	StatusCode int
	Code       string
	Message    string
	Errors     []CompileErrorDetail
}

func (e *PolicyCompileError) Error() string {
	msg := e.Message
	for _, d := range e.Errors {
		msg += "; " + d.String()
	}
	if e.PolicyID == "" {
		return fmt.Sprintf("opa compile error: %s", msg)
	}
	return fmt.Sprintf("opa compile error in policy %q: %s", e.PolicyID, msg)
}

func (e *PolicyCompileError) Is(target error) bool {
	return target == ErrPolicyCompile
}

// DecodeError is returned when OPA answered successfully but the body
// is not the JSON we expected.
type DecodeError struct {
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("unparseable response from OPA: %s: `%s`", e.Err, string(e.Body))
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// InvalidURLError is returned by ParseAddress
type InvalidURLError struct {
	Address string
	Reason  string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid OPA address %q: %s", e.Address, e.Reason)
}

// errorV1 mirrors types.ErrorV1 with decodable nested errors
type errorV1 struct {
	Code    string               `json:"code"`
	Message string               `json:"message"`
	Errors  []CompileErrorDetail `json:"errors,omitempty"`
}

func grpcCodeFromOPACode(code string) codes.Code {
	switch code {
	// No string appears to mean no error
	case "":
		return codes.OK
	case types.CodeInternal:
		return codes.Internal
	case types.CodeEvaluation:
		return codes.Internal
	case types.CodeUnauthorized:
		return codes.PermissionDenied
	case types.CodeInvalidParameter:
		return codes.InvalidArgument
	case types.CodeInvalidOperation:
		return codes.InvalidArgument
	case types.CodeResourceNotFound:
		return codes.NotFound
	case types.CodeResourceConflict:
		return codes.NotFound
	case types.CodeUndefinedDocument:
		return codes.NotFound
	}
	return codes.Unknown
}

func grpcCodeFromStatus(statusCode int) codes.Code {
	switch statusCode {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	}
	if statusCode >= 500 {
		return codes.Internal
	}
	return codes.Unknown
}

// grpcCode classifies any error returned by this package
func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	var (
		unavailable *ServerUnavailableError
		serverErr   *ServerError
		compileErr  *PolicyCompileError
		invalidDoc  *InvalidDocumentError
		decodeErr   *DecodeError
		invalidURL  *InvalidURLError
	)
	switch {
	case errors.As(err, &unavailable):
		return codes.Unavailable
	case errors.As(err, &compileErr):
		return codes.InvalidArgument
	case errors.As(err, &invalidDoc), errors.As(err, &invalidURL):
		return codes.InvalidArgument
	case errors.As(err, &decodeErr):
		return codes.Internal
	case errors.As(err, &serverErr):
		if c := grpcCodeFromOPACode(serverErr.Code); c != codes.Unknown && c != codes.OK {
			return c
		}
		return grpcCodeFromStatus(serverErr.StatusCode)
	case errors.Is(err, ErrUndefined):
		return codes.NotFound
	}
	return codes.Unknown
}

// GRPCError translates opa client errors to gRPC status errors
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(grpcCode(err), err.Error())
}

var codeToHttpStatus = map[string]int{
	"":                          http.StatusOK,
	types.CodeInternal:          http.StatusInternalServerError,
	types.CodeEvaluation:        http.StatusInternalServerError,
	types.CodeUnauthorized:      http.StatusUnauthorized,
	types.CodeInvalidParameter:  http.StatusBadRequest,
	types.CodeInvalidOperation:  http.StatusBadRequest,
	types.CodeResourceNotFound:  http.StatusNotFound,
	types.CodeResourceConflict:  http.StatusNotFound,
	types.CodeUndefinedDocument: http.StatusNotFound,
}

// HTTPStatus picks the status a caller should answer with when relaying err
// over HTTP. Upstream 5xx detail is not passed through.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		if status, ok := codeToHttpStatus[serverErr.Code]; ok && serverErr.Code != "" {
			return status
		}
		if serverErr.StatusCode >= 400 && serverErr.StatusCode < 500 {
			return serverErr.StatusCode
		}
		return http.StatusInternalServerError
	}

	switch grpcCode(err) {
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
