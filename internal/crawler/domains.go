package crawler

import "strings"

// domainAllowList stores exact hosts and suffix entries derived from the
// allowed-domains setting. A plain entry admits the host itself and its
// subdomains; "*.x" and ".x" entries admit x and anything beneath it.
type domainAllowList struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainAllowList(patterns []string) *domainAllowList {
	matcher := &domainAllowList{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := normalizeHost(raw)
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
			matcher.addSuffix(value)
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (m *domainAllowList) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

// Matches reports whether host is admitted. A nil list admits nothing.
func (m *domainAllowList) Matches(host string) bool {
	if m == nil {
		return false
	}
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	if _, exact := m.exact[host]; exact {
		return true
	}
	for _, suffix := range m.suffixes {
		if isSameOrSubdomain(host, suffix) {
			return true
		}
	}
	return false
}

// domainBlockList rejects any host containing one of its entries.
type domainBlockList struct {
	fragments []string
}

func newDomainBlockList(entries []string) *domainBlockList {
	list := &domainBlockList{}
	for _, raw := range entries {
		value := strings.TrimPrefix(normalizeHost(raw), "*.")
		if value != "" {
			list.fragments = append(list.fragments, value)
		}
	}
	if len(list.fragments) == 0 {
		return nil
	}
	return list
}

func (b *domainBlockList) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	for _, fragment := range b.fragments {
		if strings.Contains(host, fragment) {
			return true
		}
	}
	return false
}

func normalizeHost(raw string) string {
	host := strings.TrimSpace(strings.ToLower(raw))
	host = strings.TrimSuffix(host, ".")
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return host
}

func isSameOrSubdomain(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
