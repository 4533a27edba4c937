package security

import "strings"

// SecurityPolicy is the set of response headers applied to an endpoint.
type SecurityPolicy struct {
	CSP          string
	FrameOptions string
	CacheControl string
}

const noStore = "no-store, no-cache, must-revalidate, private"

// DefaultPolicy is the strictest policy and the fallback for unknown paths.
var DefaultPolicy = SecurityPolicy{
	CSP:          "default-src 'none'; frame-ancestors 'none'",
	FrameOptions: "DENY",
	CacheControl: noStore,
}

// monitoringPolicy is served to scrapers and probes.
var monitoringPolicy = SecurityPolicy{
	CSP:          "default-src 'none'",
	FrameOptions: "DENY",
	CacheControl: "no-store, no-cache",
}

// EndpointPolicies maps exact paths, or prefixes ending in "/", to a
// policy. Every credential-bearing endpoint uses DefaultPolicy.
var EndpointPolicies = map[string]SecurityPolicy{
	"/health":  monitoringPolicy,
	"/metrics": monitoringPolicy,
	"/authorize": {
		CSP:          "default-src 'none'; form-action 'self'; frame-ancestors 'none'",
		FrameOptions: "DENY",
		CacheControl: noStore,
	},
}

// GetSecurityPolicy returns the policy for path. Exact matches win over
// the longest matching prefix.
func GetSecurityPolicy(path string) SecurityPolicy {
	if policy, ok := EndpointPolicies[path]; ok {
		return policy
	}
	best, bestLen := DefaultPolicy, 0
	for pattern, policy := range EndpointPolicies {
		if strings.HasSuffix(pattern, "/") && strings.HasPrefix(path, pattern) && len(pattern) > bestLen {
			best, bestLen = policy, len(pattern)
		}
	}
	return best
}

// PermissionsPolicy disables every browser feature the kernel never needs.
func PermissionsPolicy() string {
	return "geolocation=(), microphone=(), camera=(), payment=(), usb=()"
}

func ReferrerPolicy() string {
	return "no-referrer"
}
