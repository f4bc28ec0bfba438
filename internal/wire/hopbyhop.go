package wire

import "strings"

// hopByHop lists the headers spec §4.5 requires stripped in both
// directions: from the inbound HTTP request before it becomes a Request
// frame, and from a Response frame before it becomes the final HTTP
// response (spec §7, §8 round-trip property).
var hopByHop = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"te":                true,
	"trailers":          true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// isHopByHop reports whether name is a hop-by-hop header per spec §4.5,
// including the "Proxy-*" family.
func isHopByHop(name string) bool {
	lower := strings.ToLower(name)
	if hopByHop[lower] {
		return true
	}
	return strings.HasPrefix(lower, "proxy-")
}

// StripHopByHop returns a copy of headers with every hop-by-hop header
// (spec §4.5) removed, preserving the relative order of the rest.
func StripHopByHop(headers Headers) Headers {
	out := make(Headers, 0, len(headers))
	for _, h := range headers {
		if isHopByHop(h.Name) {
			continue
		}
		out = append(out, h)
	}
	return out
}
