// package opa_client builds a REST client that opa should already exist
package opa_client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/open-policy-agent/opa/server/types"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
	"golang.org/x/net/http/httpguts"
	"google.golang.org/grpc/metadata"
)

const (
	DefaultAddress = "http://localhost:8181"
	DefaultTimeout = 15 * time.Second

	contentType       = "application/json"
	policyContentType = "text/plain"
)

// Client implements the Clienter interface
type Client struct {
	cli      *http.Client
	address  string
	base     *url.URL
	baseErr  error
	token    string
	timeout  time.Duration
	insecure bool
}

// Clienter is the opa client interface
type Clienter interface {
	Address() string
	Health() error
	CheckHealth(ctx context.Context) error

	SaveDocument(ctx context.Context, path string, data interface{}) error
	GetDocument(ctx context.Context, path string) (*Document, error)
	ListDocuments(ctx context.Context) (interface{}, error)
	DeleteDocument(ctx context.Context, path string) error

	SavePolicy(ctx context.Context, policyID string, policy string) error
	GetPolicy(ctx context.Context, policyID string) (*Policy, error)
	ListPolicies(ctx context.Context) ([]Policy, error)
	DeletePolicy(ctx context.Context, policyID string) error

	CheckPolicy(ctx context.Context, rulePath string, input interface{}, opts ...QueryOption) (*Decision, error)
	DefaultDecision(ctx context.Context, input interface{}) (interface{}, error)
	Query(ctx context.Context, query string, input interface{}) ([]map[string]interface{}, error)
	CustomQuery(ctx context.Context, document string, reqData, resp interface{}) error
	GetConfig(ctx context.Context) (map[string]interface{}, error)
}

// New returns a client for the OPA server at address. The address is used
// as given; see ParseAddress for validation.
func New(address string, opts ...Option) Clienter {
	c := &Client{
		address: strings.TrimRight(address, "/"),
		timeout: DefaultTimeout,
	}

	c.base, c.baseErr = url.Parse(c.address)

	for _, opt := range opts {
		opt(c)
	}

	if c.cli == nil {
		c.cli = defaultHTTPClient(c.timeout, c.insecure)
	}

	return c
}

// String implements fmt.Stringer interface
func (c Client) String() string {
	return fmt.Sprintf(`opa_client.Client{address:"%s"}`, c.address)
}

// Address retrieves the protocol://address of server
func (c *Client) Address() string {
	return c.address
}

// Health is CheckHealth without a caller context
func (c *Client) Health() error {
	return c.CheckHealth(context.Background())
}

// CheckHealth succeeds only if OPA answers 200 on /health.
//
// https://www.openpolicyagent.org/docs/latest/rest-api/#health-api
func (c *Client) CheckHealth(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "CheckHealth", "/health")
	defer func() { endSpan(span, err) }()

	statusCode, respBody, err := c.call(ctx, http.MethodGet, "/health", nil, nil, "")
	if err != nil {
		return err
	}
	if statusCode == http.StatusUnauthorized {
		return newServerError(statusCode, respBody)
	}
	if statusCode != http.StatusOK {
		return &ServerUnavailableError{Address: c.address, StatusCode: statusCode}
	}
	return nil
}

// SaveDocument creates or overwrites the document at the dotted path.
//
// https://www.openpolicyagent.org/docs/latest/rest-api/#create-or-overwrite-a-document
func (c *Client) SaveDocument(ctx context.Context, path string, data interface{}) (err error) {
	ref := "/v1/data/" + packagePath(path)
	ctx, span := startSpan(ctx, "SaveDocument", ref)
	defer func() { endSpan(span, err) }()

	body, err := json.Marshal(data)
	if err != nil {
		return &InvalidDocumentError{Path: path, Err: err}
	}

	statusCode, respBody, err := c.call(ctx, http.MethodPut, ref, nil, body, contentType)
	if err != nil {
		return err
	}
	if !isSuccess(statusCode) {
		return newServerError(statusCode, respBody)
	}
	return nil
}

// GetDocument reads the document at the dotted path.
// An absent document is returned with Defined false, not as an error.
func (c *Client) GetDocument(ctx context.Context, path string) (doc *Document, err error) {
	ref := "/v1/data/" + packagePath(path)
	ctx, span := startSpan(ctx, "GetDocument", ref)
	defer func() { endSpan(span, err) }()

	statusCode, respBody, err := c.call(ctx, http.MethodGet, ref, nil, nil, "")
	if err != nil {
		return nil, err
	}
	if !isSuccess(statusCode) {
		return nil, newServerError(statusCode, respBody)
	}

	env, err := decodeEnvelope(respBody)
	if err != nil {
		return nil, err
	}
	v, err := env.value(respBody)
	if err != nil {
		return nil, err
	}
	return &Document{Value: v, Defined: env.defined}, nil
}

// ListDocuments returns the whole data tree
func (c *Client) ListDocuments(ctx context.Context) (data interface{}, err error) {
	ctx, span := startSpan(ctx, "ListDocuments", "/v1/data")
	defer func() { endSpan(span, err) }()

	statusCode, respBody, err := c.call(ctx, http.MethodGet, "/v1/data", nil, nil, "")
	if err != nil {
		return nil, err
	}
	if !isSuccess(statusCode) {
		return nil, newServerError(statusCode, respBody)
	}

	env, err := decodeEnvelope(respBody)
	if err != nil {
		return nil, err
	}
	return env.value(respBody)
}

// DeleteDocument removes the document at the dotted path.
// A missing document yields a *ServerError matching ErrNotFound.
func (c *Client) DeleteDocument(ctx context.Context, path string) (err error) {
	ref := "/v1/data/" + packagePath(path)
	ctx, span := startSpan(ctx, "DeleteDocument", ref)
	defer func() { endSpan(span, err) }()

	statusCode, respBody, err := c.call(ctx, http.MethodDelete, ref, nil, nil, "")
	if err != nil {
		return err
	}
	if !isSuccess(statusCode) {
		return newServerError(statusCode, respBody)
	}
	return nil
}

// SavePolicy creates/updates an OPA policy.
//
// https://www.openpolicyagent.org/docs/latest/rest-api/#create-or-update-a-policy
func (c *Client) SavePolicy(ctx context.Context, policyID string, policy string) (err error) {
	ref := "/v1/policies/" + policyID
	ctx, span := startSpan(ctx, "SavePolicy", ref)
	defer func() { endSpan(span, err) }()

	statusCode, respBody, err := c.call(ctx, http.MethodPut, ref, nil, []byte(policy), policyContentType)
	if err != nil {
		return err
	}
	if !isSuccess(statusCode) {
		return classifyCompileError(policyID, statusCode, respBody)
	}
	return nil
}

// GetPolicy reads back a stored policy, AST included.
//
// https://www.openpolicyagent.org/docs/latest/rest-api/#get-a-policy
func (c *Client) GetPolicy(ctx context.Context, policyID string) (policy *Policy, err error) {
	ref := "/v1/policies/" + policyID
	ctx, span := startSpan(ctx, "GetPolicy", ref)
	defer func() { endSpan(span, err) }()

	statusCode, respBody, err := c.call(ctx, http.MethodGet, ref, nil, nil, "")
	if err != nil {
		return nil, err
	}
	if !isSuccess(statusCode) {
		return nil, newServerError(statusCode, respBody)
	}

	var resp struct {
		Result Policy `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &DecodeError{Body: respBody, Err: err}
	}
	return &resp.Result, nil
}

// ListPolicies returns every policy module stored in OPA.
//
// https://www.openpolicyagent.org/docs/latest/rest-api/#list-policies
func (c *Client) ListPolicies(ctx context.Context) (policies []Policy, err error) {
	ctx, span := startSpan(ctx, "ListPolicies", "/v1/policies")
	defer func() { endSpan(span, err) }()

	statusCode, respBody, err := c.call(ctx, http.MethodGet, "/v1/policies", nil, nil, "")
	if err != nil {
		return nil, err
	}
	if !isSuccess(statusCode) {
		return nil, newServerError(statusCode, respBody)
	}

	var resp struct {
		Result []Policy `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &DecodeError{Body: respBody, Err: err}
	}
	return resp.Result, nil
}

// DeletePolicy removes a policy module; a missing id matches ErrNotFound.
//
// https://www.openpolicyagent.org/docs/latest/rest-api/#delete-a-policy
func (c *Client) DeletePolicy(ctx context.Context, policyID string) (err error) {
	ref := "/v1/policies/" + policyID
	ctx, span := startSpan(ctx, "DeletePolicy", ref)
	defer func() { endSpan(span, err) }()

	statusCode, respBody, err := c.call(ctx, http.MethodDelete, ref, nil, nil, "")
	if err != nil {
		return err
	}
	if !isSuccess(statusCode) {
		return newServerError(statusCode, respBody)
	}
	return nil
}

// CheckPolicy evaluates the rule at the dotted rulePath against input.
//
// https://www.openpolicyagent.org/docs/latest/rest-api/#get-a-document-with-input
func (c *Client) CheckPolicy(ctx context.Context, rulePath string, input interface{}, opts ...QueryOption) (decision *Decision, err error) {
	ref := "/v1/data/" + packagePath(rulePath)
	ctx, span := startSpan(ctx, "CheckPolicy", ref)
	defer func() { endSpan(span, err) }()

	body, err := json.Marshal(types.DataRequestV1{Input: &input})
	if err != nil {
		return nil, &InvalidDocumentError{Path: rulePath, Err: err}
	}

	statusCode, respBody, err := c.call(ctx, http.MethodPost, ref, queryValues(opts), body, contentType)
	if err != nil {
		return nil, err
	}
	if !isSuccess(statusCode) {
		return nil, newServerError(statusCode, respBody)
	}

	decision, err = decodeDecision(respBody)
	if err != nil {
		return nil, err
	}
	if !decision.Defined {
		ctxlogrus.Extract(ctx).WithField("rule", rulePath).Debug("undefined decision")
	}
	return decision, nil
}

// DefaultDecision evaluates OPA's configured default decision (data.system.main).
// The input is posted as-is and the raw decoded response is returned.
//
// https://www.openpolicyagent.org/docs/latest/rest-api/#query-api
func (c *Client) DefaultDecision(ctx context.Context, input interface{}) (result interface{}, err error) {
	ctx, span := startSpan(ctx, "DefaultDecision", "/")
	defer func() { endSpan(span, err) }()

	body, err := json.Marshal(input)
	if err != nil {
		return nil, &InvalidDocumentError{Err: err}
	}

	statusCode, respBody, err := c.call(ctx, http.MethodPost, "/", nil, body, contentType)
	if err != nil {
		return nil, err
	}
	if !isSuccess(statusCode) {
		return nil, newServerError(statusCode, respBody)
	}

	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &DecodeError{Body: respBody, Err: err}
	}
	return result, nil
}

// Query runs an ad-hoc Rego query and returns its variable bindings
//
// https://www.openpolicyagent.org/docs/latest/rest-api/#execute-an-ad-hoc-query
func (c *Client) Query(ctx context.Context, query string, input interface{}) (bindings []map[string]interface{}, err error) {
	ctx, span := startSpan(ctx, "Query", "/v1/query")
	defer func() { endSpan(span, err) }()

	req := map[string]interface{}{"query": query}
	if input != nil {
		req["input"] = input
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &InvalidDocumentError{Err: err}
	}

	statusCode, respBody, err := c.call(ctx, http.MethodPost, "/v1/query", nil, body, contentType)
	if err != nil {
		return nil, err
	}
	if !isSuccess(statusCode) {
		return nil, classifyCompileError("", statusCode, respBody)
	}

	var resp struct {
		Result []map[string]interface{} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &DecodeError{Body: respBody, Err: err}
	}
	return resp.Result, nil
}

// CustomQuery requests evaluation at a document of the caller's choice,
// e.g. "v1/data/my/policy". A non-error OPA response is decoded into resp.
func (c *Client) CustomQuery(ctx context.Context, document string, reqData, resp interface{}) (err error) {
	ref := "/" + strings.TrimLeft(document, "/")
	ctx, span := startSpan(ctx, "CustomQuery", ref)
	defer func() { endSpan(span, err) }()

	body, err := json.Marshal(reqData)
	if err != nil {
		return &InvalidDocumentError{Path: document, Err: err}
	}

	statusCode, respBody, err := c.call(ctx, http.MethodPost, ref, nil, body, contentType)
	if err != nil {
		return err
	}
	if !isSuccess(statusCode) {
		return newServerError(statusCode, respBody)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, resp); err != nil {
		return &DecodeError{Body: respBody, Err: err}
	}
	return nil
}

// GetConfig returns OPA's active configuration.
//
// https://www.openpolicyagent.org/docs/latest/rest-api/#config-api
func (c *Client) GetConfig(ctx context.Context) (cfg map[string]interface{}, err error) {
	ctx, span := startSpan(ctx, "GetConfig", "/v1/config")
	defer func() { endSpan(span, err) }()

	statusCode, respBody, err := c.call(ctx, http.MethodGet, "/v1/config", nil, nil, "")
	if err != nil {
		return nil, err
	}
	if !isSuccess(statusCode) {
		return nil, newServerError(statusCode, respBody)
	}

	var resp struct {
		Result map[string]interface{} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &DecodeError{Body: respBody, Err: err}
	}
	return resp.Result, nil
}

// call sends exactly one request and returns the status code and the fully
// read body. Transport failures come back as *ServerUnavailableError.
func (c *Client) call(ctx context.Context, method, ref string, query url.Values, body []byte, reqContentType string) (int, []byte, error) {
	if c.baseErr != nil {
		return 0, nil, &InvalidURLError{Address: c.address, Reason: c.baseErr.Error()}
	}

	// ref goes in as a decoded path so '?', '#' and '%' stay path characters
	u := *c.base
	u.Path = c.base.Path + ref
	u.RawPath = ""
	u.RawQuery = query.Encode()
	u.Fragment = ""
	target := u.String()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String(), rdr)
	if err != nil {
		return 0, nil, &InvalidURLError{Address: c.address, Reason: err.Error()}
	}
	req.URL = &u

	md, _ := metadata.FromIncomingContext(ctx)
	for key := range md {
		for _, v := range md.Get(key) {
			if checkHeader(req.URL.Scheme, key, v) {
				req.Header.Add(key, v)
			}
		}
	}
	if reqContentType != "" {
		req.Header.Set("Content-Type", reqContentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	logger := ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"method": method,
		"url":    target,
	})
	logger.Debug("opa request")

	resp, err := c.do(req)
	if err != nil {
		logger.WithError(err).Debug("opa unreachable")
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &ServerUnavailableError{Address: c.address, StatusCode: resp.StatusCode, Err: err}
	}

	logger.WithField("status", resp.StatusCode).Debug("opa response")
	return resp.StatusCode, respBody, nil
}

// do handles errors connecting to OPA
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.cli.Do(req)
	if err != nil {
		return nil, &ServerUnavailableError{Address: c.address, Err: err}
	}
	return resp, nil
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func newServerError(statusCode int, body []byte) *ServerError {
	e := &ServerError{StatusCode: statusCode, Body: body}

	var v1 errorV1
	if err := json.Unmarshal(body, &v1); err == nil {
		e.Code = v1.Code
		e.Message = v1.Message
	}
	return e
}

// classifyCompileError picks out compiler rejections among 4xx responses
func classifyCompileError(policyID string, statusCode int, body []byte) error {
	if statusCode < 400 || statusCode >= 500 ||
		statusCode == http.StatusUnauthorized || statusCode == http.StatusNotFound {
		return newServerError(statusCode, body)
	}

	var v1 errorV1
	if err := json.Unmarshal(body, &v1); err != nil {
		return newServerError(statusCode, body)
	}
	if v1.Code != types.CodeInvalidParameter && len(v1.Errors) == 0 {
		return newServerError(statusCode, body)
	}

	return &PolicyCompileError{
		PolicyID:   policyID,
		StatusCode: statusCode,
		Code:       v1.Code,
		Message:    v1.Message,
		Errors:     v1.Errors,
	}
}

// https://github.com/golang/go/blob/master/src/net/http/transport.go#L498
func checkHeader(scheme, key, val string) bool {
	isHTTP := scheme == "http" || scheme == "https"
	if !isHTTP {
		return true
	}

	return httpguts.ValidHeaderFieldName(key) && httpguts.ValidHeaderFieldValue(val)
}

func startSpan(ctx context.Context, op, ref string) (context.Context, *trace.Span) {
	ctx, span := trace.StartSpan(ctx, "opa_client."+op)
	span.AddAttributes(trace.StringAttribute("opa.path", ref))
	return ctx, span
}

// opencensus Status is based on gRPC status codes
// https://pkg.go.dev/go.opencensus.io/trace?tab=doc#Status
func endSpan(span *trace.Span, err error) {
	if err != nil {
		span.SetStatus(trace.Status{
			Code:    int32(grpcCode(err)),
			Message: err.Error(),
		})
	}
	span.End()
}
