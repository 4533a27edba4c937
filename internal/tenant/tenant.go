package tenant

import (
	"context"
	"fmt"
	"net"
	"strings"

	"authkernel/internal/apperrors"
)

// HeaderName is the request header that names the tenant explicitly.
const HeaderName = "X-Tenant-ID"

type contextKey struct{}

// WithTenant stores the active tenant id in ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenantID)
}

// FromContext returns the active tenant id or an InvalidArgument error when
// the request never had one resolved.
func FromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(contextKey{}).(string)
	if !ok || id == "" {
		return "", apperrors.InvalidArgument("no tenant in request context")
	}
	return id, nil
}

// Directory maps hosts and slugs to tenant ids.
type Directory interface {
	LookupHost(ctx context.Context, host string) (string, bool)
	LookupSlug(ctx context.Context, slug string) (string, bool)
}

// StaticDirectory is a Directory loaded from configuration.
type StaticDirectory struct {
	hosts map[string]string
	slugs map[string]bool
}

// NewStaticDirectory builds a directory from known tenant ids and a
// host -> tenant id map.
func NewStaticDirectory(tenantIDs []string, hosts map[string]string) *StaticDirectory {
	d := &StaticDirectory{
		hosts: make(map[string]string, len(hosts)),
		slugs: make(map[string]bool, len(tenantIDs)),
	}
	for _, id := range tenantIDs {
		d.slugs[id] = true
	}
	for host, id := range hosts {
		d.hosts[strings.ToLower(host)] = id
		d.slugs[id] = true
	}
	return d
}

func (d *StaticDirectory) LookupHost(_ context.Context, host string) (string, bool) {
	id, ok := d.hosts[host]
	return id, ok
}

func (d *StaticDirectory) LookupSlug(_ context.Context, slug string) (string, bool) {
	return slug, d.slugs[slug]
}

// Resolver resolves the tenant of an inbound request.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve prefers the explicit header and falls back to the request host.
func (r *Resolver) Resolve(ctx context.Context, headerValue, host string) (string, error) {
	if slug := strings.TrimSpace(headerValue); slug != "" {
		if id, ok := r.dir.LookupSlug(ctx, slug); ok {
			return id, nil
		}
		return "", fmt.Errorf("resolve tenant: unknown tenant %q", slug)
	}

	cleaned := strings.ToLower(strings.TrimSpace(stripPort(host)))
	if cleaned == "" {
		return "", fmt.Errorf("resolve tenant: empty host")
	}
	if id, ok := r.dir.LookupHost(ctx, cleaned); ok {
		return id, nil
	}
	return "", fmt.Errorf("resolve tenant: unknown host %q", cleaned)
}

func stripPort(host string) string {
	if strings.Contains(host, ":") {
		if h, _, err := net.SplitHostPort(host); err == nil {
			return h
		}
	}
	return host
}
