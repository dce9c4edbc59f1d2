package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

var envelopeValidator = validator.New()

// ValidateRequest checks the request envelope (tenant, actor, priority...)
// before any business validation runs.
func ValidateRequest(req InvoiceRequest) error {
	if err := envelopeValidator.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return &ValidationError{Errors: []string{err.Error()}}
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return &ValidationError{Errors: msgs}
	}
	if len(req.Payload) == 0 {
		return &ValidationError{Errors: []string{"payload: must not be empty"}}
	}
	return nil
}

// ValidateInvoicePayload applies the structural checks every invoice must
// pass before it is recorded. Tax-code and TIN rules belong to the ERP-side
// validator and are not checked here.
func ValidateInvoicePayload(payload map[string]any) BusinessValidationResult {
	failed := make([]string, 0)

	if s, ok := payload["invoice_number"].(string); !ok || strings.TrimSpace(s) == "" {
		failed = append(failed, "invoice.invoice_number_required")
	}
	if s, ok := payload["issue_date"].(string); !ok {
		failed = append(failed, "invoice.issue_date_required")
	} else if _, err := time.Parse(dateLayout, s); err != nil {
		failed = append(failed, "invoice.issue_date_parseable")
	}
	if total, err := decimalField(payload, "total_amount"); err != nil {
		failed = append(failed, "invoice.total_amount_numeric")
	} else if total.IsNegative() {
		failed = append(failed, "invoice.total_amount_non_negative")
	}
	if _, present := payload["tax_amount"]; present {
		tax, err := decimalField(payload, "tax_amount")
		if err != nil {
			failed = append(failed, "invoice.tax_amount_numeric")
		} else if tax.IsNegative() {
			failed = append(failed, "invoice.tax_amount_non_negative")
		}
	}
	if c, ok := payload["currency"].(string); ok && len(c) != 3 {
		failed = append(failed, "invoice.currency_iso4217")
	}

	return BusinessValidationResult{IsValid: len(failed) == 0, Errors: failed}
}

func decimalField(payload map[string]any, key string) (decimal.Decimal, error) {
	switch v := payload[key].(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case nil:
		return decimal.Decimal{}, errors.New("missing")
	default:
		return decimal.NewFromString(fmt.Sprint(v))
	}
}
