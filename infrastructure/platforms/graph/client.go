package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AzielCF/az-publish/pkg/httpclient"
	"github.com/AzielCF/az-publish/publishing/domain/publisher"
)

const maxResponseBytes = 1 << 20

// Client talks to the Meta Graph API used by the Instagram and Facebook
// publishers.
type Client struct {
	http    *httpclient.Client
	baseURL string
	version string
}

func NewClient(httpc *httpclient.Client, baseURL, version string) *Client {
	if baseURL == "" {
		baseURL = "https://graph.facebook.com"
	}
	return &Client{
		http:    httpc,
		baseURL: strings.TrimRight(baseURL, "/"),
		version: strings.Trim(version, "/"),
	}
}

// APIError is the "error" object of a Graph API error response.
type APIError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
	FBTraceID    string `json:"fbtrace_id"`
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// Get calls GET /{path} with params and decodes the JSON body into out.
func (c *Client) Get(ctx context.Context, path string, params url.Values, token string, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path)+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Post calls POST /{path} with a form body and decodes the JSON body into out.
func (c *Client) Post(ctx context.Context, path string, form url.Values, token string, out any) error {
	if form == nil {
		form = url.Values{}
	}
	form.Set("access_token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) endpoint(path string) string {
	path = strings.TrimLeft(path, "/")
	if c.version == "" {
		return c.baseURL + "/" + path
	}
	return c.baseURL + "/" + c.version + "/" + path
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return publisher.Transient("read_body", "reading graph response failed").Wrap(err)
	}

	if resp.StatusCode >= 300 {
		var env errorEnvelope
		_ = json.Unmarshal(body, &env)
		return MapError(resp.StatusCode, env.Error, httpclient.RetryAfter(resp.Header, time.Now()))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return publisher.Transient("decode", "unexpected graph response").Wrap(err)
	}
	return nil
}

func transportError(err error) error {
	if errors.Is(err, httpclient.ErrCircuitOpen) {
		return publisher.Transient("circuit_open", "graph api circuit breaker is open").Wrap(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return publisher.Classify(err)
	}
	return publisher.Transient("network", "graph api unreachable").Wrap(err)
}

// MapError classifies a Graph API failure.
//
//	190, 102, 10, 200-299        -> auth (token invalid or permission missing)
//	4, 17, 32, 613, 80001-80014  -> transient (rate limits)
//	100, 506, 9004, 36003        -> validation (bad parameter, duplicate, media rejected)
//	any other graph code         -> transient
//
// Only a response without a Graph error code is classified by HTTP status.
func MapError(status int, apiErr *APIError, retryAfter time.Duration) *publisher.Error {
	if apiErr == nil {
		apiErr = &APIError{Message: http.StatusText(status)}
	}
	code := strconv.Itoa(apiErr.Code)
	msg := apiErr.Message
	if apiErr.ErrorSubcode != 0 {
		msg = fmt.Sprintf("%s (subcode %d)", msg, apiErr.ErrorSubcode)
	}

	switch c := apiErr.Code; {
	case c == 190 || c == 102 || c == 10 || (c >= 200 && c <= 299):
		return publisher.Auth(code, msg)
	case c == 100 || c == 506 || c == 9004 || c == 36003:
		return publisher.Validation(code, msg)
	case c != 0:
		return publisher.Transient(code, msg).WithRetryAfter(retryAfter)
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return publisher.Transient(statusCode(status, apiErr), msg).WithRetryAfter(retryAfter)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return publisher.Auth(statusCode(status, apiErr), msg)
	case status >= 400:
		return publisher.Validation(statusCode(status, apiErr), msg)
	}
	return publisher.Transient(statusCode(status, apiErr), msg)
}

func statusCode(status int, apiErr *APIError) string {
	if apiErr.Code != 0 {
		return strconv.Itoa(apiErr.Code)
	}
	return "http_" + strconv.Itoa(status)
}
