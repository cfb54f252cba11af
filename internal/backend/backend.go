// Package backend defines the contract every translation provider fulfils
// and the error taxonomy the request controller acts on.
package backend

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"regexp"
)

// Image is an attachment as sent to a provider.
type Image struct {
	Name     string
	MIMEType string
	Data     []byte
}

type Options struct {
	TargetLanguage string
	Images         []Image
	// Prompt is the rendered user prompt. When empty the provider sends the
	// text as is.
	Prompt string
}

// Translator is one configured service. Stream yields text deltas; the
// sequence is finite and cannot be restarted.
type Translator interface {
	SingleShot(ctx context.Context, text string, opts Options) (string, error)
	Stream(ctx context.Context, text string, opts Options) iter.Seq2[string, error]
}

// Category is the name a provider failure travels under.
type Category int

const (
	CategoryOther Category = iota
	CategoryAbort
	CategoryAuth
	CategoryConfig
)

func (c Category) String() string {
	switch c {
	case CategoryAbort:
		return "AbortError"
	case CategoryAuth:
		return "AuthError"
	case CategoryConfig:
		return "ConfigError"
	default:
		return "Error"
	}
}

// Error is a categorized provider failure.
type Error struct {
	Category   Category
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Category.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Name() string {
	return e.Category.String()
}

func AuthError(format string, args ...any) *Error {
	return &Error{Category: CategoryAuth, Message: fmt.Sprintf(format, args...)}
}

func ConfigError(format string, args ...any) *Error {
	return &Error{Category: CategoryConfig, Message: fmt.Sprintf(format, args...)}
}

// CredentialError reports a stored key that cannot be used as is.
func CredentialError(msg string) *Error {
	return &Error{Category: CategoryAuth, Message: msg}
}

// StatusError categorizes an HTTP failure: 401/403 are auth problems,
// 400/404/422 mean the service is misconfigured, anything else is worth a
// retry.
func StatusError(status int, msg string) *Error {
	cat := CategoryOther
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		cat = CategoryAuth
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		cat = CategoryConfig
	}
	return &Error{Category: cat, StatusCode: status, Message: msg}
}

// Class is how the request controller treats a failure.
type Class int

const (
	Transient Class = iota
	Cancelled
	Credential
	Auth
	Config
)

func (c Class) String() string {
	switch c {
	case Cancelled:
		return "cancelled"
	case Credential:
		return "credential"
	case Auth:
		return "auth"
	case Config:
		return "config"
	default:
		return "transient"
	}
}

// Terminal reports whether a failure of this class must not be retried.
func (c Class) Terminal() bool {
	return c != Transient
}

var credentialPattern = regexp.MustCompile(`(?i)master password incorrect|unsupported ciphertext format|主密码错误|密文格式不支持`)

// Classify maps an error onto the controller's taxonomy. Credential
// messages win over every category except cancellation.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	var be *Error
	isBackend := errors.As(err, &be)
	if isBackend && be.Category == CategoryAbort {
		return Cancelled
	}
	if credentialPattern.MatchString(err.Error()) {
		return Credential
	}
	if !isBackend {
		return Transient
	}
	switch be.Category {
	case CategoryAuth:
		return Auth
	case CategoryConfig:
		return Config
	}
	return Transient
}

// Name is the category name shown in retry status lines.
func Name(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Name()
	}
	if errors.Is(err, context.Canceled) {
		return CategoryAbort.String()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TimeoutError"
	}
	return CategoryOther.String()
}
