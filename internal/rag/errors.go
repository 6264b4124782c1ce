package rag

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/ragd/internal/chunker"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/llm"
	"github.com/fyrsmithlabs/ragd/internal/reranker"
	"github.com/fyrsmithlabs/ragd/internal/synth"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// Kind classifies a failure for the boundary.
type Kind int

// Failure kinds. The zero value is KindInternal.
const (
	KindInternal Kind = iota
	KindConfig
	KindIndex
	KindAuth
	KindTLS
	KindStore
	KindEmbeddingProvider
	KindGenerativeProvider
	KindUpstreamTimeout
)

var kindNames = map[Kind]string{
	KindInternal:           "InternalError",
	KindConfig:             "ConfigError",
	KindIndex:              "IndexError",
	KindAuth:               "AuthError",
	KindTLS:                "TLSError",
	KindStore:              "StoreError",
	KindEmbeddingProvider:  "EmbeddingProviderError",
	KindGenerativeProvider: "GenerativeProviderError",
	KindUpstreamTimeout:    "UpstreamTimeout",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Client reports whether the caller caused the failure.
func (k Kind) Client() bool {
	return k == KindConfig || k == KindIndex
}

// ErrValidation marks a request that violates the input schema.
var ErrValidation = errors.New("validation error")

// Error attaches a Kind and the failed operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation. A nil err returns nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf builds a schema violation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Classify maps err to a Kind. An explicit *Error wins, then the package
// sentinels, so a provider or store call that hit its own timeout keeps its
// provider or store kind. Only a bare deadline is KindUpstreamTimeout; Pool
// tags request deadline overruns explicitly. Unrecognized errors, and nil,
// are KindInternal.
func Classify(err error) Kind {
	if err == nil {
		return KindInternal
	}

	var kinded *Error
	if errors.As(err, &kinded) && kinded.Kind != KindInternal {
		return kinded.Kind
	}

	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, vectorstore.ErrInvalidFilter),
		errors.Is(err, vectorstore.ErrInvalidConfig),
		errors.Is(err, chunker.ErrInvalidConfig),
		errors.Is(err, embeddings.ErrInvalidConfig),
		errors.Is(err, embeddings.ErrEmptyInput),
		errors.Is(err, llm.ErrInvalidConfig),
		errors.Is(err, reranker.ErrInvalidConfig),
		errors.Is(err, synth.ErrInvalidConfig):
		return KindConfig
	case errors.Is(err, vectorstore.ErrIndexMissing):
		return KindIndex
	case errors.Is(err, vectorstore.ErrAuth):
		return KindAuth
	case errors.Is(err, vectorstore.ErrTLS):
		return KindTLS
	case errors.Is(err, vectorstore.ErrStore):
		return KindStore
	case errors.Is(err, embeddings.ErrProvider):
		return KindEmbeddingProvider
	case errors.Is(err, synth.ErrGenerative):
		return KindGenerativeProvider
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamTimeout
	}
	return KindInternal
}

// Boundary error codes.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeConfig          = "CONFIG_ERROR"
	CodeIndex           = "INDEX_ERROR"
	CodeStore           = "STORE_ERROR"
	CodeStoreTLS        = "STORE_TLS_ERROR"
	CodeProvider        = "PROVIDER_ERROR"
	CodeUpstreamTimeout = "UPSTREAM_TIMEOUT"
	CodeInternal        = "INTERNAL_ERROR"
)

// Failure is the boundary rendering of a classified error.
type Failure struct {
	Status  int    `json:"-"`
	Kind    Kind   `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ErrorResponse is the JSON body returned for a failure.
type ErrorResponse struct {
	Error Failure `json:"error"`
}

const indexHint = "create the vector index described by `ragd index notes` and retry"

// Describe classifies err and renders it for HTTP, MCP and CLI callers.
// Internal errors never expose their detail.
func Describe(err error) Failure {
	if errors.Is(err, ErrValidation) {
		return Failure{Status: http.StatusBadRequest, Kind: KindConfig, Code: CodeValidation, Message: err.Error()}
	}

	kind := Classify(err)
	f := Failure{Kind: kind, Status: http.StatusBadGateway}
	switch kind {
	case KindConfig:
		f.Status, f.Code, f.Message = http.StatusBadRequest, CodeConfig, err.Error()
	case KindIndex:
		f.Status, f.Code, f.Message, f.Detail = http.StatusBadRequest, CodeIndex, err.Error(), indexHint
	case KindAuth:
		f.Code, f.Message, f.Detail = CodeStore, "vector store rejected the credentials", err.Error()
	case KindTLS:
		f.Code, f.Message, f.Detail = CodeStoreTLS, "TLS handshake with the vector store failed", err.Error()
	case KindStore:
		f.Code, f.Message, f.Detail = CodeStore, "vector store error", err.Error()
	case KindEmbeddingProvider:
		f.Code, f.Message, f.Detail = CodeProvider, "embedding provider error", err.Error()
	case KindGenerativeProvider:
		f.Code, f.Message, f.Detail = CodeProvider, "generative provider error", err.Error()
	case KindUpstreamTimeout:
		f.Code, f.Message, f.Detail = CodeUpstreamTimeout, "request exceeded its deadline", err.Error()
	default:
		f.Status, f.Code, f.Message = http.StatusInternalServerError, CodeInternal, "internal server error"
	}
	return f
}
