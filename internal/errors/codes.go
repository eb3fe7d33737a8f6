// Package errors provides structured error handling for sagequery.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Store errors (SQLite, vector index)
//   - 3XX: Upstream service errors (embedding, generation)
//   - 4XX: Validation and caller errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStore indicates chunk/source store errors.
	CategoryStore Category = "STORE"
	// CategoryUpstream indicates embedding or generator service errors.
	CategoryUpstream Category = "UPSTREAM"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	CodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	CodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Store errors (200-299)
	CodeStoreUnavailable = "ERR_201_STORE_UNAVAILABLE"
	CodeSourceNotFound   = "ERR_202_SOURCE_NOT_FOUND"
	CodeOrdinalConflict  = "ERR_203_ORDINAL_CONFLICT"
	CodeSourceNotIngest  = "ERR_204_SOURCE_NOT_INGESTING"

	// Upstream errors (300-399)
	CodeEmbeddingUnavailable  = "ERR_301_EMBEDDING_UNAVAILABLE"
	CodeGenerationUnavailable = "ERR_302_GENERATION_UNAVAILABLE"
	CodeRerankerUnavailable   = "ERR_303_RERANKER_UNAVAILABLE"

	// Validation errors (400-499)
	CodeBadInput          = "ERR_401_BAD_INPUT"
	CodeBadVector         = "ERR_402_BAD_VECTOR"
	CodeQueryEmpty        = "ERR_403_QUERY_EMPTY"
	CodeDuplicateSource   = "ERR_404_DUPLICATE_SOURCE"
	CodeDimensionMismatch = "ERR_405_DIMENSION_MISMATCH"
	CodeInvalidFilter     = "ERR_406_INVALID_FILTER"

	// Internal errors (500-599)
	CodeInternal  = "ERR_501_INTERNAL"
	CodeTransient = "ERR_502_TRANSIENT"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStore
	case '3':
		return CategoryUpstream
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode derives the default severity for a code.
// Upstream outages and store failures abort the operation; transient
// cache trouble is only a warning.
func severityFromCode(code string) Severity {
	switch code {
	case CodeTransient:
		return SeverityWarning
	case CodeStoreUnavailable, CodeEmbeddingUnavailable, CodeGenerationUnavailable:
		return SeverityFatal
	default:
		return SeverityError
	}
}

// retryableCodes lists codes whose operations may be retried.
var retryableCodes = map[string]bool{
	CodeEmbeddingUnavailable:  true,
	CodeGenerationUnavailable: true,
	CodeRerankerUnavailable:   true,
	CodeStoreUnavailable:      true,
	CodeTransient:             true,
}

// isRetryableCode reports whether operations failing with this code
// may be retried.
func isRetryableCode(code string) bool {
	return retryableCodes[code]
}
