package server

import (
	"net/http"
	"strings"
)

// PrincipalResolver extracts the authenticated caller from a request.
// Authentication itself happens in front of this service.
type PrincipalResolver interface {
	Principal(r *http.Request) (string, bool)
}

// HeaderPrincipal reads the caller from a trusted header set by the
// fronting proxy, falling back to the basic auth user name.
type HeaderPrincipal struct {
	Header string
}

// NewPrincipalResolver returns a HeaderPrincipal for header
func NewPrincipalResolver(header string) *HeaderPrincipal {
	return &HeaderPrincipal{Header: header}
}

// Principal returns the caller id, or false when the request carries none
func (p *HeaderPrincipal) Principal(r *http.Request) (string, bool) {
	if p.Header != "" {
		if user := strings.TrimSpace(r.Header.Get(p.Header)); user != "" {
			return user, true
		}
	}
	if user, _, ok := r.BasicAuth(); ok && user != "" {
		return user, true
	}
	return "", false
}
