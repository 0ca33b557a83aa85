package workflow

import "strings"

// domainOf returns the lowercased domain part of an email address, or ""
// if the address has no "@".
func domainOf(email string) string {
	idx := strings.LastIndex(email, "@")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(email[idx+1:])
}

// filterByDomain applies the whitelist/blacklist domain policy: a
// non-empty whitelist is an allow-list (everything else is blocked); the
// blacklist always blocks regardless of whitelist membership. It is pure
// and does no I/O, matching the project's existing suppression-check
// shape: typed inputs, typed outputs, no side effects.
func filterByDomain(recipients []string, whitelist, blacklist []string) (allowed []string, blockedReasons []string) {
	allow := make(map[string]bool, len(whitelist))
	for _, d := range whitelist {
		allow[strings.ToLower(strings.TrimSpace(d))] = true
	}
	deny := make(map[string]bool, len(blacklist))
	for _, d := range blacklist {
		deny[strings.ToLower(strings.TrimSpace(d))] = true
	}

	for _, email := range recipients {
		d := domainOf(email)
		if deny[d] {
			blockedReasons = append(blockedReasons, "domain_filter:blacklisted:"+email)
			continue
		}
		if len(allow) > 0 && !allow[d] {
			blockedReasons = append(blockedReasons, "domain_filter:not_whitelisted:"+email)
			continue
		}
		allowed = append(allowed, email)
	}
	return allowed, blockedReasons
}
