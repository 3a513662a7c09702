package model

import "regexp"

// mentionPattern matches @handle or @user@example.com at a word boundary.
var mentionPattern = regexp.MustCompile(`(?:^|[\s(])@([\w.+-]+@[\w-]+(?:\.[\w-]+)+|[\w-]+)`)

// ParseMentions returns the distinct @mentions in content, in order of first appearance.
func ParseMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
