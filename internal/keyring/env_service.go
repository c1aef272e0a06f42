package keyring

import (
	"os"
	"sort"
	"sync"
)

// EnvService is the reference Service implementation: keys live only
// in an in-process map and are pushed to the process environment on
// demand. This has no OS keychain dependency, which is a deliberate
// standard-library-only choice — no example in the corpus wires an OS
// credential vault, so there was nothing to ground a richer
// implementation on; a production deployment would replace this with
// one backed by whatever secret store the host platform offers.
type EnvService struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewEnvService returns an empty EnvService.
func NewEnvService() *EnvService {
	return &EnvService{keys: make(map[string]string)}
}

func (s *EnvService) Store(provider, apiKey string) error {
	if _, ok := envVarNames[provider]; !ok {
		return errUnknownProvider(provider)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[provider] = apiKey
	return nil
}

func (s *EnvService) Delete(provider string) error {
	if _, ok := envVarNames[provider]; !ok {
		return errUnknownProvider(provider)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, provider)
	return os.Unsetenv(envVarNames[provider])
}

func (s *EnvService) Verify(provider string) (bool, error) {
	if _, ok := envVarNames[provider]; !ok {
		return false, errUnknownProvider(provider)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[provider] != "", nil
}

func (s *EnvService) ListProviders() []ProviderStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(envVarNames))
	for name := range envVarNames {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		out = append(out, ProviderStatus{Provider: name, Configured: s.keys[name] != ""})
	}
	return out
}

func (s *EnvService) SetEnvVars() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for provider, key := range s.keys {
		if key == "" {
			continue
		}
		if err := os.Setenv(envVarNames[provider], key); err != nil {
			return err
		}
	}
	return nil
}
