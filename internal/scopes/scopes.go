package scopes

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidScopeName = errors.New("invalid scope name")
	ErrScopeNotAllowed  = errors.New("scope not allowed")
)

// ScopeValidationResult contains the result of scope validation
type ScopeValidationResult struct {
	Valid   []string `json:"valid"`
	Invalid []string `json:"invalid"`
}

// Registry holds the tenant-wide scope allow-lists. Tenants without an
// explicit list fall back to the default list.
type Registry struct {
	mu       sync.RWMutex
	defaults map[string]bool
	tenants  map[string]map[string]bool
}

func NewRegistry(defaultScopes []string) *Registry {
	return &Registry{
		defaults: toSet(defaultScopes),
		tenants:  make(map[string]map[string]bool),
	}
}

// SetTenantScopes replaces the allow-list of one tenant.
func (r *Registry) SetTenantScopes(tenantID string, scopes []string) error {
	for _, s := range scopes {
		if err := ValidateScopeName(s); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[tenantID] = toSet(scopes)
	return nil
}

func (r *Registry) allowList(tenantID string) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if set, ok := r.tenants[tenantID]; ok {
		return set
	}
	return r.defaults
}

// Allowed returns the sorted allow-list for tenantID.
func (r *Registry) Allowed(tenantID string) []string {
	set := r.allowList(tenantID)
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Validate splits requested into scopes the tenant allows and those it
// does not.
func (r *Registry) Validate(tenantID string, requested []string) *ScopeValidationResult {
	set := r.allowList(tenantID)
	result := &ScopeValidationResult{Valid: []string{}, Invalid: []string{}}
	for _, s := range requested {
		if set[s] {
			result.Valid = append(result.Valid, s)
		} else {
			result.Invalid = append(result.Invalid, s)
		}
	}
	return result
}

// Check fails when any requested scope is outside the tenant allow-list.
func (r *Registry) Check(tenantID string, requested []string) error {
	result := r.Validate(tenantID, requested)
	if len(result.Invalid) > 0 {
		return fmt.Errorf("%w: %s", ErrScopeNotAllowed, strings.Join(result.Invalid, " "))
	}
	return nil
}

// ValidateScopeName rejects empty names and names with whitespace or
// quoting characters, following the RFC 6749 scope-token grammar.
func ValidateScopeName(name string) error {
	if name == "" {
		return ErrInvalidScopeName
	}
	if len(name) > 100 {
		return fmt.Errorf("%w: scope name too long", ErrInvalidScopeName)
	}
	for _, c := range name {
		if c <= 0x20 || c == '"' || c == '\\' || c > 0x7e {
			return fmt.Errorf("%w: %q", ErrInvalidScopeName, name)
		}
	}
	return nil
}

// Parse splits a space-delimited scope parameter, dropping duplicates and
// keeping first-seen order.
func Parse(raw string) []string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func Join(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IsSubset reports whether every requested scope is in allowed.
func IsSubset(requested, allowed []string) bool {
	set := toSet(allowed)
	for _, s := range requested {
		if !set[s] {
			return false
		}
	}
	return true
}

// Narrow returns requested when it is a subset of granted, or granted when
// requested is empty. It fails when requested asks for more than granted.
func Narrow(requested, granted []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), granted...), nil
	}
	if !IsSubset(requested, granted) {
		return nil, ErrScopeNotAllowed
	}
	return append([]string(nil), requested...), nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}
