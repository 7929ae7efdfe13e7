package irc

import "strings"

// parseTags decodes an IRCv3 tag prefix ("@k1=v1;k2=v2") into a map. The
// caller passes the prefix without the leading '@'. Malformed pairs are
// dropped rather than failing the whole line.
func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		if key == "" {
			continue
		}
		tags[key] = unescapeTagValue(value)
	}
	return tags
}

// unescapeTagValue applies the IRCv3 escaping rules: \s->space, \:->';',
// \\->'\', \r->CR, \n->LF. An unknown escape keeps the escaped character; a
// trailing lone backslash is dropped.
func unescapeTagValue(v string) string {
	if !strings.ContainsRune(v, '\\') {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i == len(v)-1 {
			break
		}
		i++
		switch v[i] {
		case 's':
			b.WriteByte(' ')
		case ':':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

// ParseBadgeKeys normalizes the comma-separated "badges" tag value
// ("subscriber/12,vip/1") into a set of "setId/version" keys. A badge
// without a version keeps just the set id. Order of first appearance is
// preserved.
func ParseBadgeKeys(badgesTag string) []string {
	if badgesTag == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var keys []string
	for _, entry := range strings.Split(badgesTag, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		setID, version, hasVersion := strings.Cut(entry, "/")
		if setID == "" {
			continue
		}
		key := setID
		if hasVersion && version != "" {
			key = setID + "/" + version
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}
