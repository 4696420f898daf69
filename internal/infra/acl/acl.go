// Package acl provides the access-control collaborator: a static set of
// administrator addresses loaded from config.
package acl

import "github.com/proofmarket/pmkt/internal/domain"

// Static grants admin rights to a fixed set of addresses.
type Static struct {
	admins map[domain.Address]bool
}

// NewStatic creates an ACL from a list of admin addresses. Empty entries are
// ignored.
func NewStatic(admins ...domain.Address) *Static {
	s := &Static{admins: make(map[domain.Address]bool, len(admins))}
	for _, a := range admins {
		if a != "" {
			s.admins[a] = true
		}
	}
	return s
}

// IsAdmin reports whether caller is an administrator.
func (s *Static) IsAdmin(caller domain.Address) bool {
	return s.admins[caller]
}
