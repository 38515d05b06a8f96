package bus

import "strings"

// MatchTopic reports whether topic is selected by pattern. A pattern is an
// exact topic, "*" for every topic, or a prefix ending in ".*" that selects
// every topic below it.
func MatchTopic(pattern, topic string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(topic, prefix) && len(topic) > len(prefix)
	default:
		return pattern == topic
	}
}
