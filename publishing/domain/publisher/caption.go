package publisher

import "strings"

// ComposeCaption appends hashtags to caption, adding the leading '#' where
// missing and skipping tags already present in the caption.
func ComposeCaption(caption string, hashtags []string) string {
	caption = strings.TrimSpace(caption)
	lower := strings.ToLower(caption)

	seen := make(map[string]bool, len(hashtags))
	tags := make([]string, 0, len(hashtags))
	for _, h := range hashtags {
		h = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(h), "#"))
		if h == "" || strings.ContainsAny(h, " \t\n") {
			continue
		}
		tag := "#" + h
		key := strings.ToLower(tag)
		if seen[key] || containsTag(lower, key) {
			continue
		}
		seen[key] = true
		tags = append(tags, tag)
	}

	if len(tags) == 0 {
		return caption
	}
	if caption == "" {
		return strings.Join(tags, " ")
	}
	return caption + "\n\n" + strings.Join(tags, " ")
}

func containsTag(text, tag string) bool {
	for _, word := range strings.Fields(text) {
		if strings.TrimRight(word, ".,!?;:") == tag {
			return true
		}
	}
	return false
}
