package relay

import "strings"

// MatchOrigin compares a browser Origin header against an allowlist pattern.
// Supported wildcards: "*", "scheme://host:*", "scheme://*.domain".
func MatchOrigin(origin string, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "*") {
		return matchOriginWildcard(origin, pattern)
	}
	return origin == pattern
}

func matchOriginWildcard(origin, pattern string) bool {
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, ":*")
		originNoPort := origin
		if idx := strings.LastIndex(origin, ":"); idx > strings.Index(origin, "//") {
			originNoPort = origin[:idx]
		}
		return originNoPort == prefix
	}

	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(pattern, scheme+"*.") {
			suffix := strings.TrimPrefix(pattern, scheme+"*")
			if !strings.HasPrefix(origin, scheme) {
				return false
			}
			host := strings.TrimPrefix(origin, scheme)
			return strings.HasSuffix(host, suffix) && !strings.HasPrefix(host, "*")
		}
	}
	return false
}
