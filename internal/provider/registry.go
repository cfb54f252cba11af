// Package provider builds backend.Translators for configured services.
package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"transpad/internal/backend"
	"transpad/internal/config"
	"transpad/internal/openai"
)

// transportRetries covers rate limits and flaky connections inside a single
// attempt.
const transportRetries = 1

const encryptedKeyPrefix = "enc:"

var errStopStream = errors.New("stream consumer stopped")

type Registry struct {
	mu         sync.Mutex
	httpClient *http.Client
	logger     *zap.Logger
	cache      map[string]cached
}

type cached struct {
	fingerprint string
	translator  backend.Translator
}

func NewRegistry(httpClient *http.Client, logger *zap.Logger) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{httpClient: httpClient, logger: logger, cache: make(map[string]cached)}
}

// Resolve returns the translator for svc, reusing the cached one while the
// service definition is unchanged.
func (r *Registry) Resolve(svc config.Service) (backend.Translator, error) {
	key, err := serviceKey(svc)
	if err != nil {
		return nil, err
	}

	fingerprint := strings.Join([]string{svc.Provider, svc.BaseURL, svc.Model, key}, "\x00")

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cache[svc.ID]; ok && c.fingerprint == fingerprint {
		return c.translator, nil
	}

	t, err := r.build(svc, key)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("translator built", zap.String("service", svc.ID), zap.String("provider", svc.Provider), zap.String("model", svc.Model))
	r.cache[svc.ID] = cached{fingerprint: fingerprint, translator: t}
	return t, nil
}

func (r *Registry) build(svc config.Service, key string) (backend.Translator, error) {
	if strings.TrimSpace(svc.Model) == "" {
		return nil, backend.ConfigError("service %s has no model configured", svc.ID)
	}

	logger := r.logger.With(zap.String("service", svc.ID))
	switch svc.Provider {
	case config.ProviderResponses, "":
		return openai.NewClient(key, svc.BaseURL, svc.Model, r.httpClient, transportRetries, logger), nil
	case config.ProviderChat:
		return NewChat(key, svc.BaseURL, svc.Model, r.httpClient), nil
	case config.ProviderAnthropic:
		return NewAnthropic(key, svc.BaseURL, svc.Model, r.httpClient), nil
	case config.ProviderOllama:
		return NewOllama(svc.BaseURL, svc.Model, r.httpClient)
	default:
		return nil, backend.ConfigError("service %s uses unknown provider %q", svc.ID, svc.Provider)
	}
}

func serviceKey(svc config.Service) (string, error) {
	key := svc.Key()
	if strings.HasPrefix(key, encryptedKeyPrefix) {
		return "", backend.CredentialError(fmt.Sprintf("service %s: unsupported ciphertext format, re-enter the API key", svc.ID))
	}
	if key == "" && svc.Provider != config.ProviderOllama {
		return "", backend.AuthError("service %s has no API key configured", svc.ID)
	}
	return key, nil
}
