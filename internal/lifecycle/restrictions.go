/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package lifecycle

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// maxRestrictionEntries caps each restriction list.
const maxRestrictionEntries = 100

// NormalizeIPWhitelist validates whitelist entries and returns them in canonical form.
// Entries are single addresses or CIDR prefixes.
func NormalizeIPWhitelist(entries []string) ([]string, error) {
	if len(entries) > maxRestrictionEntries {
		return nil, fmt.Errorf("%w: at most %d ip whitelist entries", ErrInvalidRequest, maxRestrictionEntries)
	}
	out := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}

		var canonical string
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid cidr %q", ErrInvalidRequest, raw)
			}
			if prefix.Addr().Is4In6() {
				return nil, fmt.Errorf("%w: use an IPv4 prefix instead of %q", ErrInvalidRequest, raw)
			}
			canonical = prefix.Masked().String()
		} else {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid ip address %q", ErrInvalidRequest, raw)
			}
			canonical = addr.Unmap().WithZone("").String()
		}

		if !seen[canonical] {
			seen[canonical] = true
			out = append(out, canonical)
		}
	}
	return out, nil
}

// NormalizeDomains validates domain restrictions and returns them lowercased. An entry is a
// host name, optionally prefixed with "*." to allow subdomains only. Bare public suffixes such
// as "com" or "co.uk" are refused because they would match unrelated sites.
func NormalizeDomains(entries []string) ([]string, error) {
	if len(entries) > maxRestrictionEntries {
		return nil, fmt.Errorf("%w: at most %d domain restrictions", ErrInvalidRequest, maxRestrictionEntries)
	}
	out := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), ".")
		if entry == "" {
			continue
		}

		host, wildcard := strings.CutPrefix(entry, "*.")
		if !validHostname(host) {
			return nil, fmt.Errorf("%w: invalid domain %q", ErrInvalidRequest, raw)
		}
		suffix, _ := publicsuffix.PublicSuffix(host)
		if suffix == host && host != "localhost" {
			return nil, fmt.Errorf("%w: %q is a public suffix", ErrInvalidRequest, raw)
		}

		if wildcard {
			entry = "*." + host
		} else {
			entry = host
		}
		if !seen[entry] {
			seen[entry] = true
			out = append(out, entry)
		}
	}
	return out, nil
}

func validHostname(host string) bool {
	if len(host) == 0 || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	return true
}
