package publisher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	domainCredential "github.com/AzielCF/az-publish/domains/credential"
	"github.com/AzielCF/az-publish/publishing/domain/content"
)

// Input is the normalized publish request handed to every platform.
type Input struct {
	MediaURL       string
	Caption        string
	Hashtags       []string
	Credential     domainCredential.Credential
	IdempotencyKey string
}

// Result is what a platform returns for a delivered post.
type Result struct {
	PostID string
	URL    string
}

// Publisher delivers one post to one platform.
type Publisher interface {
	Platform() string
	Publish(ctx context.Context, in Input) (Result, error)
}

// TimeoutProvider is implemented by publishers whose calls need a ceiling other
// than the engine default.
type TimeoutProvider interface {
	PublishTimeout() time.Duration
}

// Error carries the engine classification of a failed call.
type Error struct {
	Class      content.ErrorClass
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Class, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Class, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(code, message string) *Error {
	return &Error{Class: content.ErrorTransient, Code: code, Message: message}
}

func Validation(code, message string) *Error {
	return &Error{Class: content.ErrorValidation, Code: code, Message: message}
}

func Auth(code, message string) *Error {
	return &Error{Class: content.ErrorAuth, Code: code, Message: message}
}

// WithRetryAfter attaches a platform supplied wait hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Wrap keeps err as the cause of e.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// Classify maps any error to an engine error. Unrecognised errors are transient so
// work is retried rather than dropped; the retry ceiling bounds them.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("timeout", err.Error()).Wrap(err)
	}
	if errors.Is(err, context.Canceled) {
		return Transient("canceled", err.Error()).Wrap(err)
	}
	return Transient("unknown", err.Error()).Wrap(err)
}

var ErrUnsupportedPlatform = errors.New("no publisher registered for platform")

// Registry maps a platform identifier to its publisher.
type Registry struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
}

func NewRegistry(publishers ...Publisher) *Registry {
	r := &Registry{publishers: make(map[string]Publisher)}
	for _, p := range publishers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[p.Platform()] = p
}

func (r *Registry) Get(platform string) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publishers[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}
	return p, nil
}

// Platforms lists the registered platform identifiers in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.publishers))
	for name := range r.publishers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
