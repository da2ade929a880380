/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package access evaluates scope, source IP and origin domain restrictions of a key record
// against an inbound request.
package access

import (
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/friendsincode/crybkeys/internal/models"
)

// Reason explains an access denial.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInsufficientScope Reason = "InsufficientScope"
	ReasonIPNotAllowed      Reason = "IpNotAllowed"
	ReasonDomainNotAllowed  Reason = "DomainNotAllowed"
)

// Request is the part of the caller's request that restrictions apply to.
type Request struct {
	RequiredScope models.Scope
	SourceIP      string
	// Origin is the declared Origin or Referer: a URL or a bare host.
	Origin string
}

// Decision is the outcome of CheckAccess.
type Decision struct {
	Allowed bool
	Reason  Reason
}

var allowed = Decision{Allowed: true}

func denied(r Reason) Decision {
	return Decision{Reason: r}
}

// CheckAccess runs the scope, IP and domain checks in that order. The first failing check
// decides the result.
func CheckAccess(key *models.APIKey, req Request) Decision {
	if !key.Scopes.Grants(req.RequiredScope) {
		return denied(ReasonInsufficientScope)
	}
	if len(key.IPWhitelist) > 0 && !IPAllowed(key.IPWhitelist, req.SourceIP) {
		return denied(ReasonIPNotAllowed)
	}
	if len(key.DomainRestrictions) > 0 && !DomainAllowed(key.DomainRestrictions, req.Origin) {
		return denied(ReasonDomainNotAllowed)
	}
	return allowed
}

// IPAllowed reports whether source matches an entry of the whitelist. Entries are single
// addresses or CIDR prefixes. IPv4-mapped IPv6 addresses compare as IPv4.
func IPAllowed(whitelist []string, source string) bool {
	addr, ok := ParseSourceIP(source)
	if !ok {
		return false
	}
	for _, entry := range whitelist {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Masked().Contains(addr) {
				return true
			}
			continue
		}
		want, err := netip.ParseAddr(entry)
		if err != nil {
			continue
		}
		if want.Unmap().WithZone("") == addr {
			return true
		}
	}
	return false
}

// ParseSourceIP accepts an address with or without a port and returns it unmapped and without
// zone.
func ParseSourceIP(source string) (netip.Addr, bool) {
	source = strings.TrimSpace(source)
	if source == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(source); err == nil {
		return ap.Addr().Unmap().WithZone(""), true
	}
	addr, err := netip.ParseAddr(strings.Trim(source, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// DomainAllowed reports whether the origin's host matches a restriction. A plain entry matches
// itself and its subdomains; a "*.example.com" entry matches subdomains only.
func DomainAllowed(restrictions []string, origin string) bool {
	host := HostFromOrigin(origin)
	if host == "" {
		return false
	}
	for _, entry := range restrictions {
		entry = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(entry)), ".")
		if entry == "" {
			continue
		}
		if base, ok := strings.CutPrefix(entry, "*."); ok {
			if strings.HasSuffix(host, "."+base) {
				return true
			}
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// HostFromOrigin extracts the lowercase host of an Origin or Referer value, without port.
func HostFromOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" || origin == "null" {
		return ""
	}

	host := origin
	if strings.Contains(origin, "://") {
		u, err := url.Parse(origin)
		if err != nil {
			return ""
		}
		host = u.Host
	} else if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
