package tokenizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownEncoding is returned by strict providers for names they do not know.
var ErrUnknownEncoding = errors.New("unknown encoding")

// DefaultEncoding is used when neither the caller nor the model picks one.
const DefaultEncoding = "cl100k_base"

// Provider looks up an Encoder by name. Components that tokenize text take a
// Provider so the implementation can be swapped without touching them.
type Provider interface {
	GetEncoding(name string) (Encoder, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(name string) (Encoder, error)

func (f ProviderFunc) GetEncoding(name string) (Encoder, error) {
	return f(name)
}

// Registry hands out checksum encodings. By default every name is accepted and
// echoed into the returned Encoding.
type Registry struct {
	known  map[string]struct{}
	strict bool
}

type RegistryOption func(*Registry)

// WithKnownEncodings records names reported by Names and accepted in strict mode.
func WithKnownEncodings(names ...string) RegistryOption {
	return func(r *Registry) {
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			r.known[name] = struct{}{}
		}
	}
}

// WithStrict makes GetEncoding reject names not registered via WithKnownEncodings.
func WithStrict(strict bool) RegistryOption {
	return func(r *Registry) {
		r.strict = strict
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{known: make(map[string]struct{})}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Provider = (*Registry)(nil)

func (r *Registry) GetEncoding(name string) (Encoder, error) {
	if r.strict {
		if _, ok := r.known[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
		}
	}
	return NewEncoding(name), nil
}

// Names returns the registered encoding names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.known))
	for name := range r.known {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodingForModel maps an OpenAI model name to the encoding it uses, or
// returns fallback when the model is not recognized.
func EncodingForModel(model, fallback string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return fallback
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"),
		strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "o200k_base"
	case strings.HasPrefix(m, "gpt-4"), strings.HasPrefix(m, "gpt-3.5"),
		strings.HasPrefix(m, "text-embedding-"):
		return "cl100k_base"
	case strings.HasPrefix(m, "text-davinci-"), strings.HasPrefix(m, "code-"):
		return "p50k_base"
	case strings.HasPrefix(m, "davinci"), strings.HasPrefix(m, "curie"),
		strings.HasPrefix(m, "babbage"), strings.HasPrefix(m, "ada"):
		return "r50k_base"
	}
	return fallback
}
