package audit

import (
	"context"

	"github.com/ignite/quote-sender/internal/pkg/logger"
)

// Encryptor is the subset of CryptoBox the audit package depends on. A
// narrow interface keeps this package testable without a real KeyVault.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
}

// maskEmail produces the value stored in Detail.EmailEnc. On the happy path
// this is an "enc:v1:..." envelope. If enc is nil or Encrypt fails (e.g.
// ErrVaultUnavailable), it degrades to the screen mask instead of failing
// the whole audit write -- this is a non-error path per the masking law.
func maskEmail(ctx context.Context, enc Encryptor, email string) string {
	if enc == nil {
		return logger.RedactEmailScreen(email)
	}
	envelope, err := enc.Encrypt(ctx, email)
	if err != nil {
		return logger.RedactEmailScreen(email)
	}
	return envelope
}

// maskError produces an ErrorDetail's masked email and payload. Unlike
// maskEmail this never attempts encryption: errors[] is specified to mask
// to the domain-only form regardless of CryptoBox availability.
func maskError(email, companyName, message string, payload any) ErrorDetail {
	var masked any
	if payload != nil {
		masked = logger.MaskStructured(payload)
	}
	return ErrorDetail{
		EmailMasked: logger.RedactEmailError(email),
		CompanyName: companyName,
		Message:     logger.MaskStructured(message).(string),
		Payload:     masked,
	}
}
