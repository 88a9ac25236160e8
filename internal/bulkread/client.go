// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package bulkread is an HTTP client for the CRM bulk-read API: create an
// asynchronous export job, fetch its status and download its result.
package bulkread

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	readPath = "/crm/bulk/v2/read"

	// Error bodies are small; anything larger is not worth reading.
	maxErrorBody = 1 << 20
)

// Client talks to the bulk-read endpoints. The supplied http.Client is expected
// to authenticate requests (see internal/auth).
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a bulk-read client for the given API base URL.
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CreateJob submits a bulk-read job for one page and returns the created job.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*JobDetail, error) {
	if req.FileType == "" {
		req.FileType = FileTypeCSV
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal create request: %w", err)
	}

	resp, err := c.do(ctx, "create", http.MethodPost, c.baseURL+readPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	c.logger.Debug("Bulk read create response",
		zap.Int("status_code", resp.StatusCode),
		zap.String("module", req.Query.Module),
		zap.Int("page", req.Query.Page))

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return nil, ErrNoContent
	}

	env, err := c.readEnvelope("create", resp)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, &APIError{HTTPStatus: resp.StatusCode, Status: "error", Code: "EMPTY_RESPONSE",
			Message: "create response carries no data"}
	}

	var action actionResponse
	if err := json.Unmarshal(env.Data[0], &action); err != nil {
		return nil, &TransportError{Op: "create", Err: fmt.Errorf("failed to parse action response: %w", err)}
	}

	c.logger.Debug("Bulk read create action",
		zap.String("status", action.Status),
		zap.String("code", action.Code),
		zap.String("message", action.Message),
		zap.Any("details", action.Details))

	if !strings.EqualFold(action.Status, "success") {
		return nil, &APIError{
			HTTPStatus: resp.StatusCode,
			Status:     action.Status,
			Code:       action.Code,
			Message:    action.Message,
			Details:    decodeDetails(action.Details),
		}
	}

	job := &JobDetail{ID: rawID(action.Details["id"])}
	if raw, ok := action.Details["operation"]; ok {
		_ = json.Unmarshal(raw, &job.Operation)
	}
	if raw, ok := action.Details["state"]; ok {
		_ = json.Unmarshal(raw, &job.State)
	}
	if raw, ok := action.Details["created_time"]; ok {
		_ = json.Unmarshal(raw, &job.CreatedTime)
	}
	if job.ID == "" {
		return nil, &APIError{HTTPStatus: resp.StatusCode, Status: action.Status, Code: action.Code,
			Message: "create response carries no job id", Details: decodeDetails(action.Details)}
	}
	return job, nil
}

// GetJob fetches the current state of a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*JobDetail, error) {
	resp, err := c.do(ctx, "status", http.MethodGet, c.jobURL(jobID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		c.logger.Debug("Bulk read status: no content",
			zap.String("job_id", jobID),
			zap.Int("status_code", resp.StatusCode))
		return nil, ErrNoContent
	}

	env, err := c.readEnvelope("status", resp)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, ErrNoContent
	}

	var job JobDetail
	if err := json.Unmarshal(env.Data[0], &job); err != nil {
		return nil, &TransportError{Op: "status", Err: fmt.Errorf("failed to parse job detail: %w", err)}
	}
	c.logJob(&job)
	return &job, nil
}

// DownloadResult streams the compressed result of a completed job.
func (c *Client) DownloadResult(ctx context.Context, jobID string) (*ResultFile, error) {
	resp, err := c.do(ctx, "download", http.MethodGet, c.jobURL(jobID)+"/result", nil)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Bulk read download response",
		zap.String("job_id", jobID),
		zap.Int("status_code", resp.StatusCode),
		zap.String("content_type", resp.Header.Get("Content-Type")))

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil, ErrNoContent
	}
	if resp.StatusCode >= 300 || isJSON(resp.Header.Get("Content-Type")) {
		defer resp.Body.Close()
		_, err := c.readEnvelope("download", resp)
		if err == nil {
			err = &APIError{HTTPStatus: resp.StatusCode, Status: "error", Code: "UNEXPECTED_BODY",
				Message: "download returned JSON instead of an archive"}
		}
		return nil, err
	}

	name := jobID + ".zip"
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			name = params["filename"]
		}
	}
	return &ResultFile{Name: name, Body: resp.Body}, nil
}

func (c *Client) jobURL(jobID string) string {
	return c.baseURL + readPath + "/" + url.PathEscape(jobID)
}

func (c *Client) do(ctx context.Context, op, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "*/*")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	return resp, nil
}

// readEnvelope decodes a JSON body and converts error statuses into an APIError.
func (c *Client) readEnvelope(op string, resp *http.Response) (*envelope, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var env envelope
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			if resp.StatusCode >= 300 {
				return nil, &APIError{HTTPStatus: resp.StatusCode, Status: "error",
					Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(data))}
			}
			return nil, &TransportError{Op: op, Err: fmt.Errorf("failed to parse response: %w, body: %s", err, data)}
		}
	}

	if strings.EqualFold(env.Status, "error") || resp.StatusCode >= 300 {
		apiErr := &APIError{
			HTTPStatus: resp.StatusCode,
			Status:     env.Status,
			Code:       env.Code,
			Message:    env.Message,
			Details:    env.Details,
		}
		if apiErr.Code == "" && len(env.Data) > 0 {
			var action actionResponse
			if json.Unmarshal(env.Data[0], &action) == nil {
				apiErr.Status, apiErr.Code, apiErr.Message = action.Status, action.Code, action.Message
				apiErr.Details = decodeDetails(action.Details)
			}
		}
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug("Bulk read API exception",
			zap.String("op", op),
			zap.Int("status_code", resp.StatusCode),
			zap.String("status", apiErr.Status),
			zap.String("code", apiErr.Code),
			zap.String("message", apiErr.Message),
			zap.Any("details", apiErr.Details))
		return nil, apiErr
	}
	return &env, nil
}

func (c *Client) logJob(job *JobDetail) {
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("operation", job.Operation),
		zap.String("state", string(job.State)),
		zap.String("file_type", job.FileType),
		zap.String("created_time", job.CreatedTime),
	}
	if r := job.Result; r != nil {
		fields = append(fields,
			zap.Int("result_page", r.Page),
			zap.Int("result_count", r.Count),
			zap.Int("result_per_page", r.PerPage),
			zap.String("download_url", r.DownloadURL))
		if r.MoreRecords != nil {
			fields = append(fields, zap.Bool("more_records", *r.MoreRecords))
		}
	}
	if q := job.Query; q != nil {
		fields = append(fields,
			zap.String("query_module", q.Module),
			zap.Int("query_page", q.Page),
			zap.Strings("query_fields", q.Fields))
		if q.Criteria != nil {
			fields = append(fields, zap.Any("query_criteria", q.Criteria))
		}
	}
	if u := job.CreatedBy; u != nil {
		fields = append(fields, zap.String("created_by", u.Name), zap.String("created_by_id", u.ID))
	}
	c.logger.Debug("Bulk read job detail", fields...)
}

func decodeDetails(raw map[string]json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			val = string(v)
		}
		out[k] = val
	}
	return out
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}
