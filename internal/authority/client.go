package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"einvoice-gateway/internal/domain"
)

const defaultTimeout = 30 * time.Second

const (
	StatusAccepted  = "ACCEPTED"
	StatusSubmitted = "SUBMITTED"
	StatusRejected  = "REJECTED"
)

type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error)
}

type SubmitRequest struct {
	TenantID   string          `json:"tenant_id"`
	DocumentID string          `json:"document_id"`
	Document   json.RawMessage `json:"document"`
}

// SubmitResponse is the authority's receipt. Status is ACCEPTED when the
// authority validated the document inline and SUBMITTED when its verdict
// arrives later.
type SubmitResponse struct {
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
}

type HTTPClient struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

type submitResponseBody struct {
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
	Error       *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Submit posts the document. The document id is sent as the Idempotency-Key
// header so the authority deduplicates replays of the same document.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if c.baseURL == "" {
		return SubmitResponse{}, &domain.PermanentError{Err: fmt.Errorf("AUTHORITY_BASE_URL is required")}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return SubmitResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/documents", bytes.NewReader(body))
	if err != nil {
		return SubmitResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.DocumentID)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return SubmitResponse{}, &domain.TimeoutError{Operation: "authority submit", Err: context.DeadlineExceeded}
		}
		return SubmitResponse{}, fmt.Errorf("authority request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("read authority response: %w", err)
	}

	var parsed submitResponseBody
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil && resp.StatusCode < 400 {
			return SubmitResponse{}, fmt.Errorf("unable to parse authority response: %w", err)
		}
	}

	code, message := "", http.StatusText(resp.StatusCode)
	if parsed.Error != nil {
		code = parsed.Error.Code
		if parsed.Error.Message != "" {
			message = parsed.Error.Message
		}
	}

	switch {
	case resp.StatusCode == http.StatusConflict && parsed.ReferenceID != "":
		// Already received under this Idempotency-Key.
		return SubmitResponse{ReferenceID: parsed.ReferenceID, Status: normalizeStatus(parsed.Status)}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return SubmitResponse{}, &domain.RejectionError{Code: orDefault(code, "THROTTLED"), Reason: message, Transient: true}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return SubmitResponse{}, &domain.PermanentError{Err: fmt.Errorf("authority refused credentials: %s", message)}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return SubmitResponse{}, &domain.RejectionError{Code: code, Reason: message}
	case resp.StatusCode >= 500:
		return SubmitResponse{}, fmt.Errorf("authority unavailable: status %d: %s", resp.StatusCode, message)
	case resp.StatusCode >= 400:
		return SubmitResponse{}, &domain.PermanentError{Err: fmt.Errorf("authority request failed with status %d: %s", resp.StatusCode, message)}
	}

	if strings.EqualFold(parsed.Status, StatusRejected) {
		return SubmitResponse{}, &domain.RejectionError{Code: code, Reason: message}
	}
	if parsed.ReferenceID == "" {
		return SubmitResponse{}, fmt.Errorf("authority returned no reference id")
	}
	return SubmitResponse{ReferenceID: parsed.ReferenceID, Status: normalizeStatus(parsed.Status)}, nil
}

func normalizeStatus(s string) string {
	if strings.EqualFold(s, StatusAccepted) {
		return StatusAccepted
	}
	return StatusSubmitted
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
