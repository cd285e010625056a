// Package httpjson performs JSON requests against the storefront API and
// maps every outcome onto the autherr kinds.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/wolfeidau/storefront/internal/autherr"
	"github.com/wolfeidau/storefront/internal/models"
)

const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	headerUserAgent   = "User-Agent"
	contentTypeJSON   = "application/json"

	// DefaultUserAgent identifies the client to the API.
	DefaultUserAgent = "storefront-go/1.0"

	maxErrorBody = 64 << 10
)

// Client issues JSON requests relative to a base URL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

// URL joins path onto the base URL. Query strings in path are kept.
func (c *Client) URL(path string) (string, error) {
	if strings.TrimSpace(c.BaseURL) == "" {
		return "", autherr.ErrBaseURLNotConfigured
	}

	p, query, _ := strings.Cut(path, "?")
	reqURL, err := url.JoinPath(c.BaseURL, p)
	if err != nil {
		return "", fmt.Errorf("failed to build URL: %w", err)
	}
	if query != "" {
		reqURL += "?" + query
	}
	return reqURL, nil
}

// Call performs one request and returns the body of a 2xx response.
// A non-2xx, or a 2xx envelope with success=false, becomes
// *autherr.RequestError, a transport failure
// *autherr.NetworkError. A *autherr.RefreshFailure raised by a round
// tripper is returned unchanged.
func (c *Client) Call(ctx context.Context, method, path string, body any) ([]byte, error) {
	endpoint := path

	reqURL, err := c.URL(path)
	if err != nil {
		return nil, &autherr.NetworkError{Endpoint: endpoint, Err: err}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	ua := c.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set(headerUserAgent, ua)
	req.Header.Set(headerAccept, contentTypeJSON)
	if body != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(endpoint, err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299

	var src io.Reader = resp.Body
	if !ok {
		src = io.LimitReader(resp.Body, maxErrorBody)
	}

	respBody, err := io.ReadAll(src)
	if err != nil {
		return nil, classifyTransportError(endpoint, fmt.Errorf("failed to read response body: %w", err))
	}

	if !ok || unsuccessful(respBody) {
		return nil, &autherr.RequestError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
		}
	}

	return respBody, nil
}

// unsuccessful reports a 2xx envelope carrying success=false, which some
// handlers send in place of an error status.
func unsuccessful(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var env models.Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return false
	}
	return env.Failed()
}

// DecodeEnvelope parses the {success, message, data} wrapper. An empty or
// malformed body is a ParseError, never an empty success.
func DecodeEnvelope(endpoint string, body []byte) (*models.Envelope, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &autherr.ParseError{Endpoint: endpoint, Err: autherr.ErrEmptyBody}
	}

	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &autherr.ParseError{Endpoint: endpoint, Err: err}
	}

	return &env, nil
}

// DecodeData decodes the payload of a 2xx body into out. The payload is the
// envelope's data member when present, otherwise the top-level object.
// validate, when non-nil, rejects payloads missing required fields.
func DecodeData(endpoint string, body []byte, out any, validate func() error) (*models.Envelope, error) {
	env, err := DecodeEnvelope(endpoint, body)
	if err != nil {
		return nil, err
	}

	payload := json.RawMessage(body)
	if env.HasData() {
		payload = env.Data
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return nil, &autherr.ParseError{Endpoint: endpoint, Err: err}
	}

	if validate != nil {
		if err := validate(); err != nil {
			return nil, &autherr.ParseError{Endpoint: endpoint, Err: err}
		}
	}

	return env, nil
}

func classifyTransportError(endpoint string, err error) error {
	var rf *autherr.RefreshFailure
	if errors.As(err, &rf) {
		return rf
	}

	return &autherr.NetworkError{
		Endpoint: endpoint,
		Timeout:  isTimeout(err),
		Err:      err,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// errorMessage extracts a human readable message from an error body.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		switch e := parsed.Error.(type) {
		case string:
			return e
		case map[string]any:
			if msg, ok := e["message"].(string); ok {
				return msg
			}
		}
	}

	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}
