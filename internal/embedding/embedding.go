// Package embedding drives the external embedding provider: a rate-limited,
// deduplicating batch queue in front of a two-tier cache.
package embedding

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
)

// InputType tells the provider what the text will be used for.
type InputType string

const (
	InputTypeDocument InputType = "document"
	InputTypeQuery    InputType = "query"
)

// MaxTextLen is the longest text sent to the provider; longer inputs are
// truncated before hashing so the cache key matches what was embedded.
const MaxTextLen = 8000

// Provider is the outbound embedding API contract.
type Provider interface {
	Embed(ctx context.Context, texts []string, inputType InputType) ([][]float32, error)
	Dimensions() int
}

// CacheKey derives the cache key for a text/input-type pair.
func CacheKey(text string, inputType InputType) string {
	sum := md5.Sum([]byte(text + ":" + string(inputType)))
	return hex.EncodeToString(sum[:])
}

// TruncateText clips a text to MaxTextLen.
func TruncateText(text string) string {
	if len(text) > MaxTextLen {
		return text[:MaxTextLen]
	}
	return text
}

// ValidVector reports whether a provider vector is usable: exact expected
// width and more than 10% non-zero components.
func ValidVector(vec []float32, dims int) bool {
	if len(vec) != dims {
		return false
	}
	nonZero := 0
	for _, v := range vec {
		if v != 0 {
			nonZero++
		}
	}
	return float64(nonZero) > 0.1*float64(dims)
}

// ErrorKind classifies provider failures for retry policy.
type ErrorKind int

const (
	ErrKindTransient ErrorKind = iota
	ErrKindRateLimit
	ErrKindAuth
	ErrKindPayment
)

// ProviderError is a classified embedding API failure.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider error (status=%d): %s", e.StatusCode, e.Message)
}

// IsRateLimit reports whether err is a provider rate-limit rejection.
func IsRateLimit(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ErrKindRateLimit
}

// IsFatal reports whether err is an auth/payment failure that retrying
// cannot fix.
func IsFatal(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && (pe.Kind == ErrKindAuth || pe.Kind == ErrKindPayment)
}
