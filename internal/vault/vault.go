// Package vault resolves named secrets from configuration and the
// environment. Secret values never leave the package except through Resolve
// and Scope.
package vault

import (
	"os"
	"sort"
	"strings"
	"sync"
)

// Vault holds named secrets.
type Vault struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// New builds a vault from static secrets plus every environment variable
// starting with envPrefix, exposed under its name without the prefix.
// Static entries win over environment entries of the same name.
func New(static map[string]string, envPrefix string) *Vault {
	return newFromEnviron(static, envPrefix, os.Environ())
}

func newFromEnviron(static map[string]string, envPrefix string, environ []string) *Vault {
	v := &Vault{secrets: make(map[string]string)}
	if envPrefix != "" {
		for _, kv := range environ {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || !strings.HasPrefix(key, envPrefix) {
				continue
			}
			name := strings.TrimPrefix(key, envPrefix)
			if name != "" && value != "" {
				v.secrets[name] = value
			}
		}
	}
	for name, value := range static {
		if name = strings.TrimSpace(name); name != "" && value != "" {
			v.secrets[name] = value
		}
	}
	return v
}

// Set stores a secret.
func (v *Vault) Set(name, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[name] = value
}

// Resolve returns the secret stored under name.
func (v *Vault) Resolve(name string) (string, bool) {
	if v == nil {
		return "", false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.secrets[name]
	return value, ok
}

// Names lists secret names, sorted.
func (v *Vault) Names() []string {
	if v == nil {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.secrets))
	for name := range v.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scope returns the secrets referenced by name in text. A name counts only
// as a whole identifier, so TOKEN is not referenced by $GITHUB_TOKEN.
func (v *Vault) Scope(text string) map[string]string {
	if v == nil || text == "" {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	var scoped map[string]string
	for name, value := range v.secrets {
		if referenced(text, name) {
			if scoped == nil {
				scoped = make(map[string]string)
			}
			scoped[name] = value
		}
	}
	return scoped
}

func referenced(text, name string) bool {
	for i := 0; i < len(text); {
		j := strings.Index(text[i:], name)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(name)
		if (start == 0 || !identByte(text[start-1])) && (end == len(text) || !identByte(text[end])) {
			return true
		}
		i = start + 1
	}
	return false
}

func identByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
