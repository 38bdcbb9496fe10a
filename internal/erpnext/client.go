// =============================================================================
// tallysync - ERPNext Destination Client
// =============================================================================
//
// A thin client for the Frappe REST resource API:
//
//   GET  /api/resource/{doctype}?filters=...   lookup by a field
//   POST /api/resource/{doctype}               create a draft document
//   PUT  /api/resource/{doctype}/{name}        submit (docstatus = 1)
//
// Requests authenticate with "Authorization: token key:secret". Server side
// validation messages (the _server_messages field) are decoded and carried
// on APIError so they reach the logs instead of being lost.
//
// =============================================================================

package erpnext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/extractor"
)

var (
	// ErrNotFound is returned by FindName when no document matches.
	ErrNotFound = errors.New("document not found")

	// ErrConflict matches an APIError for a document that already exists.
	ErrConflict = errors.New("document already exists")
)

// APIError is a non-success answer from ERPNext.
type APIError struct {
	Doctype    string
	Operation  string
	StatusCode int
	ExcType    string
	Messages   []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("erpnext %s %s failed with status %d", e.Operation, e.Doctype, e.StatusCode)
	if e.ExcType != "" {
		msg += " (" + e.ExcType + ")"
	}
	if len(e.Messages) > 0 {
		msg += ": " + strings.Join(e.Messages, "; ")
	}
	return msg
}

// Is reports a 409 answer or a DuplicateEntryError as ErrConflict.
func (e *APIError) Is(target error) bool {
	return target == ErrConflict &&
		(e.StatusCode == http.StatusConflict || e.ExcType == "DuplicateEntryError")
}

type errorBody struct {
	ExcType        string `json:"exc_type"`
	ServerMessages string `json:"_server_messages"`
}

// Client talks to one ERPNext site.
type Client struct {
	http *resty.Client
	log  *zap.Logger
}

// NewClient creates a client for the configured site.
func NewClient(cfg config.DestinationConfig, log *zap.Logger) (*Client, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("erpnext url, api key and api secret are required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", fmt.Sprintf("token %s:%s", cfg.APIKey, cfg.APISecret)).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)

	rc.AddRetryCondition(retryCondition)

	return &Client{http: rc, log: log}, nil
}

// retryCondition retries transient failures. Creates are only retried on
// 429, where the server has not processed the request.
func retryCondition(r *resty.Response, err error) bool {
	if r != nil && r.Request != nil && r.Request.Method == resty.MethodPost {
		return r.StatusCode() == http.StatusTooManyRequests
	}
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// FindName returns the name of the first doctype document whose field equals
// value, or ErrNotFound.
func (c *Client) FindName(ctx context.Context, doctype, field, value string) (string, error) {
	filters, err := json.Marshal([][]string{{field, "=", value}})
	if err != nil {
		return "", err
	}

	var result struct {
		Data []struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("doctype", doctype).
		SetQueryParam("filters", string(filters)).
		SetQueryParam("fields", `["name"]`).
		SetQueryParam("limit_page_length", "1").
		SetResult(&result).
		SetError(&errorBody{}).
		Get("/api/resource/{doctype}")
	if err != nil {
		return "", fmt.Errorf("erpnext lookup %s: %w", doctype, err)
	}
	if resp.IsError() {
		return "", apiError(resp, doctype, "lookup")
	}
	if len(result.Data) == 0 || result.Data[0].Name == "" {
		return "", ErrNotFound
	}
	return result.Data[0].Name, nil
}

// Exists reports whether a doctype document with field = value exists.
func (c *Client) Exists(ctx context.Context, doctype, field, value string) (bool, error) {
	_, err := c.FindName(ctx, doctype, field, value)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Create inserts doc as a new draft and returns the assigned name.
func (c *Client) Create(ctx context.Context, doctype string, doc map[string]any) (string, error) {
	var result struct {
		Data struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("doctype", doctype).
		SetBody(doc).
		SetResult(&result).
		SetError(&errorBody{}).
		Post("/api/resource/{doctype}")
	if err != nil {
		return "", fmt.Errorf("erpnext create %s: %w", doctype, err)
	}
	if resp.IsError() {
		apiErr := apiError(resp, doctype, "create")
		c.log.Warn("ERPNext rejected document",
			zap.String("doctype", doctype),
			zap.Int("status", apiErr.StatusCode),
			zap.Strings("messages", apiErr.Messages),
		)
		return "", apiErr
	}

	c.log.Info("Created document", zap.String("doctype", doctype), zap.String("name", result.Data.Name))
	return result.Data.Name, nil
}

// Submit moves a draft document to docstatus 1.
func (c *Client) Submit(ctx context.Context, doctype, name string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"doctype": doctype, "name": name}).
		SetBody(map[string]int{"docstatus": 1}).
		SetError(&errorBody{}).
		Put("/api/resource/{doctype}/{name}")
	if err != nil {
		return fmt.Errorf("erpnext submit %s %s: %w", doctype, name, err)
	}
	if resp.IsError() {
		return apiError(resp, doctype, "submit")
	}

	c.log.Info("Submitted document", zap.String("doctype", doctype), zap.String("name", name))
	return nil
}

// Resolver returns a ReferenceResolver looking up doctype documents by the
// given field.
func (c *Client) Resolver(doctype, by string) extractor.ReferenceResolver {
	return extractor.ResolverFunc(func(ctx context.Context, ref string) (string, error) {
		name, err := c.FindName(ctx, doctype, by, ref)
		if errors.Is(err, ErrNotFound) {
			return "", extractor.ErrReferenceNotFound
		}
		return name, err
	})
}

func apiError(resp *resty.Response, doctype, op string) *APIError {
	e := &APIError{Doctype: doctype, Operation: op, StatusCode: resp.StatusCode()}
	if body, ok := resp.Error().(*errorBody); ok && body != nil {
		e.ExcType = body.ExcType
		e.Messages = serverMessages(body.ServerMessages)
	}
	return e
}

// serverMessages decodes Frappe's _server_messages, a JSON list of JSON
// encoded message objects.
func serverMessages(raw string) []string {
	if raw == "" {
		return nil
	}

	var encoded []string
	if err := json.Unmarshal([]byte(raw), &encoded); err != nil {
		return []string{raw}
	}

	messages := make([]string, 0, len(encoded))
	for _, item := range encoded {
		var m struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(item), &m); err != nil || m.Message == "" {
			messages = append(messages, item)
			continue
		}
		messages = append(messages, m.Message)
	}
	return messages
}
