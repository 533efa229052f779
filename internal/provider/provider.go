// Package provider resolves a (user, provider, model) triple into a streaming model backend.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/router-for-me/AnotherChat/internal/apperr"
	"github.com/router-for-me/AnotherChat/internal/providerkeys"
)

// Message is one turn of conversation history sent to a backend.
type Message struct {
	Role    string
	Content string
}

// Chunk is one increment of assistant output.
// Delta is the text added by this chunk; Content is the assistant text so far.
type Chunk struct {
	Delta   string
	Content string
}

// Stream is a pull-based sequence of chunks. Recv returns io.EOF after the last chunk.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Backend starts streamed completions against one model.
type Backend interface {
	Stream(ctx context.Context, messages []Message, systemPrompts []string) (Stream, error)
}

// LocalFactory builds a backend for a local provider.
type LocalFactory func(ctx context.Context, model string) (Backend, error)

// CloudFactory builds a backend for a cloud provider using the caller's API key.
type CloudFactory func(ctx context.Context, model, apiKey string) (Backend, error)

// CredentialSource yields the active decrypted API key of a user for a provider.
type CredentialSource interface {
	ActiveKey(ctx context.Context, userID, provider string) (string, bool, error)
}

// Registry maps provider identifiers to backend factories.
type Registry struct {
	mu    sync.RWMutex
	local map[string]LocalFactory
	cloud map[string]CloudFactory
	// localAllow lists providers that never need a user credential.
	localAllow map[string]struct{}
}

// NewRegistry constructs a Registry treating localProviders as credential-free.
func NewRegistry(localProviders []string) *Registry {
	allow := make(map[string]struct{}, len(localProviders))
	for _, name := range localProviders {
		if normalized := providerkeys.Normalize(name); normalized != "" {
			allow[normalized] = struct{}{}
		}
	}
	return &Registry{
		local:      make(map[string]LocalFactory),
		cloud:      make(map[string]CloudFactory),
		localAllow: allow,
	}
}

// RegisterLocal binds a local provider factory.
func (r *Registry) RegisterLocal(name string, factory LocalFactory) {
	if r == nil || factory == nil {
		return
	}
	r.mu.Lock()
	r.local[providerkeys.Normalize(name)] = factory
	r.mu.Unlock()
}

// RegisterCloud binds a cloud provider factory.
func (r *Registry) RegisterCloud(name string, factory CloudFactory) {
	if r == nil || factory == nil {
		return
	}
	r.mu.Lock()
	r.cloud[providerkeys.Normalize(name)] = factory
	r.mu.Unlock()
}

// IsLocal reports whether provider is on the local allow-list.
func (r *Registry) IsLocal(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.localAllow[providerkeys.Normalize(provider)]
	return ok
}

// Providers lists every provider with a registered factory.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.local)+len(r.cloud))
	for name := range r.local {
		out = append(out, name)
	}
	for name := range r.cloud {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) localFactory(name string) (LocalFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.local[name]
	return factory, ok
}

func (r *Registry) cloudFactory(name string) (CloudFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.cloud[name]
	return factory, ok
}

// Resolver picks and builds the backend for a chat request.
type Resolver struct {
	registry    *Registry
	credentials CredentialSource
}

// NewResolver constructs a Resolver.
func NewResolver(registry *Registry, credentials CredentialSource) *Resolver {
	return &Resolver{registry: registry, credentials: credentials}
}

// Resolve returns a backend for provider and model on behalf of userID.
// Local providers are built without credentials. Cloud providers require an active key.
func (r *Resolver) Resolve(ctx context.Context, userID, provider, model string) (Backend, error) {
	if r == nil || r.registry == nil {
		return nil, fmt.Errorf("provider: resolver not initialized")
	}
	name := providerkeys.Normalize(provider)
	model = strings.TrimSpace(model)

	if r.registry.IsLocal(name) {
		factory, ok := r.registry.localFactory(name)
		if !ok {
			return nil, &apperr.UnsupportedProviderError{Provider: name, Local: true}
		}
		backend, errBuild := factory(ctx, model)
		if errBuild != nil {
			return nil, &apperr.UpstreamError{Provider: name, Err: errBuild}
		}
		return backend, nil
	}

	if r.credentials == nil {
		return nil, &apperr.MissingCredentialError{Provider: name}
	}
	apiKey, ok, errKey := r.credentials.ActiveKey(ctx, userID, name)
	if errKey != nil {
		return nil, errKey
	}
	if !ok {
		return nil, &apperr.MissingCredentialError{Provider: name}
	}
	factory, ok := r.registry.cloudFactory(name)
	if !ok {
		return nil, &apperr.UnsupportedProviderError{Provider: name}
	}
	backend, errBuild := factory(ctx, model, apiKey)
	if errBuild != nil {
		return nil, &apperr.UpstreamError{Provider: name, Err: errBuild}
	}
	return backend, nil
}
