package sentinel

import "strings"

// Blocklist rejects domains matching any configured substring. Matching runs
// before rate limiter acquisition so blocked domains never consume a permit.
type Blocklist struct {
	needles []string
}

// NewBlocklist builds a Blocklist from configured domain substrings.
// Empty entries are ignored; a nil Blocklist blocks nothing.
func NewBlocklist(patterns []string) *Blocklist {
	var needles []string
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		needles = append(needles, value)
	}
	if len(needles) == 0 {
		return nil
	}
	return &Blocklist{needles: needles}
}

// Blocked reports whether the host matches any blocked substring.
func (b *Blocklist) Blocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	for _, needle := range b.needles {
		if strings.Contains(host, needle) {
			return true
		}
	}
	return false
}
