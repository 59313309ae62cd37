package web

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var loopbackPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
}

// hostAllowlist admits remote hosts by address prefix. A nil list admits
// every host.
type hostAllowlist []netip.Prefix

// parseAllowlist accepts CIDR prefixes, bare addresses and "localhost".
// Every malformed entry is reported.
func parseAllowlist(entries []string) (hostAllowlist, error) {
	var (
		list hostAllowlist
		errs []error
	)
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
		case strings.EqualFold(entry, "localhost"):
			list = append(list, loopbackPrefixes...)
		case strings.Contains(entry, "/"):
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid allowlist prefix %q", entry))
				continue
			}
			list = append(list, p.Masked())
		default:
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid allowlist address %q", entry))
				continue
			}
			list = append(list, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return list, nil
}

func (l hostAllowlist) admits(host string) bool {
	if l == nil {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return false
	}
	addr = addr.WithZone("").Unmap()
	for _, p := range l {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
