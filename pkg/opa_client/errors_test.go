package opa_client

import (
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{
			name: "unavailable",
			err:  &ServerUnavailableError{Address: DefaultAddress, Err: syscall.ECONNREFUSED},
			want: codes.Unavailable,
		},
		{
			name: "compile",
			err:  &PolicyCompileError{PolicyID: "p", Message: "bad"},
			want: codes.InvalidArgument,
		},
		{
			name: "invalid document",
			err:  &InvalidDocumentError{Path: "a.b", Err: errors.New("json: unsupported type")},
			want: codes.InvalidArgument,
		},
		{
			name: "decode",
			err:  &DecodeError{Body: []byte("x"), Err: errors.New("invalid character")},
			want: codes.Internal,
		},
		{
			name: "opa code wins over status",
			err:  &ServerError{StatusCode: http.StatusBadRequest, Code: "resource_not_found"},
			want: codes.NotFound,
		},
		{
			name: "status only",
			err:  &ServerError{StatusCode: http.StatusUnauthorized},
			want: codes.PermissionDenied,
		},
		{
			name: "5xx",
			err:  &ServerError{StatusCode: http.StatusBadGateway},
			want: codes.Internal,
		},
		{
			name: "wrapped",
			err:  fmt.Errorf("saving: %w", &ServerUnavailableError{Err: syscall.ECONNREFUSED}),
			want: codes.Unavailable,
		},
		{
			name: "undefined",
			err:  ErrUndefined,
			want: codes.NotFound,
		},
		{
			name: "foreign",
			err:  errors.New("something else"),
			want: codes.Unknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := status.FromError(GRPCError(tt.err))
			assert.True(t, ok)
			assert.Equal(t, tt.want, st.Code())
		})
	}

	assert.Nil(t, GRPCError(nil))
}

func TestErrorMatching(t *testing.T) {
	unavailable := &ServerUnavailableError{Address: DefaultAddress, Err: syscall.ECONNREFUSED}
	assert.ErrorIs(t, unavailable, ErrServerUnavailable)
	assert.ErrorIs(t, unavailable, syscall.ECONNREFUSED)

	notFound := &ServerError{StatusCode: http.StatusNotFound}
	assert.ErrorIs(t, notFound, ErrNotFound)
	assert.NotErrorIs(t, notFound, ErrUnauthorized)

	unhealthy := &ServerUnavailableError{Address: DefaultAddress, StatusCode: http.StatusInternalServerError}
	assert.Contains(t, unhealthy.Error(), "status 500")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "unavailable", err: &ServerUnavailableError{Err: syscall.ECONNREFUSED}, want: http.StatusServiceUnavailable},
		{name: "compile", err: &PolicyCompileError{Message: "bad"}, want: http.StatusBadRequest},
		{name: "invalid document", err: &InvalidDocumentError{Err: errors.New("x")}, want: http.StatusBadRequest},
		{name: "undefined", err: ErrUndefined, want: http.StatusNotFound},
		{name: "opa code", err: &ServerError{StatusCode: http.StatusBadRequest, Code: "resource_not_found"}, want: http.StatusNotFound},
		{name: "plain 4xx", err: &ServerError{StatusCode: http.StatusConflict}, want: http.StatusConflict},
		{name: "upstream 5xx hidden", err: &ServerError{StatusCode: http.StatusBadGateway}, want: http.StatusInternalServerError},
		{name: "decode", err: &DecodeError{Err: errors.New("x")}, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
