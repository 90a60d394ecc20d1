package middleware

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
)

// parseAllowList turns addresses and CIDR ranges into prefixes. A bare address
// becomes a single-host prefix; unparsable entries are skipped.
func parseAllowList(entries []string) (prefixes []netip.Prefix, configured bool) {
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		configured = true
		if p, err := netip.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return prefixes, configured
}

// IPWhitelist guards the admin routes. With no entries every client passes;
// with entries that all fail to parse nobody does.
func IPWhitelist(entries []string) gin.HandlerFunc {
	prefixes, configured := parseAllowList(entries)
	return func(c *gin.Context) {
		if !configured {
			c.Next()
			return
		}
		addr, err := netip.ParseAddr(c.ClientIP())
		if err == nil {
			addr = addr.Unmap()
			for _, p := range prefixes {
				if p.Contains(addr) {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "Access denied"})
	}
}
