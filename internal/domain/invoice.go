package domain

type InvoiceRequest struct {
	TenantID        string         `json:"tenant_id" validate:"required,max=64"`
	DocumentID      string         `json:"document_id,omitempty" validate:"omitempty,max=128"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	Actor           string         `json:"actor" validate:"required,max=255"`
	ActorType       ActorType      `json:"actor_type" validate:"required,oneof=USER SYSTEM API"`
	Payload         map[string]any `json:"payload" validate:"required"`
	Async           bool           `json:"async,omitempty"`
	FallbackToQueue bool           `json:"fallback_to_queue,omitempty"`
	Priority        Priority       `json:"priority,omitempty" validate:"omitempty,oneof=HIGH NORMAL LOW"`
	CorrelationID   string         `json:"correlation_id,omitempty" validate:"omitempty,max=128"`
}

type ProcessResult struct {
	Success     bool          `json:"success"`
	InvoiceID   string        `json:"invoice_id"`
	Status      DocumentState `json:"status"`
	Cached      bool          `json:"cached,omitempty"`
	Queued      bool          `json:"queued,omitempty"`
	QueueID     string        `json:"queue_id,omitempty"`
	ReferenceID string        `json:"reference_id,omitempty"`
	Message     string        `json:"message,omitempty"`
}

type BusinessValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}
