package topics

import (
	"strings"
	"unicode/utf8"

	"github.com/marcestarlet/embroker/types"
)

const maxTopicLen = 65535

// ValidateTopic checks topic name is usable for publish.
// Rejects empty names, wildcards and NUL characters
func ValidateTopic(topic string) error {
	if len(topic) == 0 || len(topic) > maxTopicLen || !utf8.ValidString(topic) {
		return types.ErrInvalidTopic
	}

	if strings.ContainsAny(topic, "+#\x00") {
		return types.ErrInvalidTopic
	}

	return nil
}

// ValidateFilter checks wildcards occupy whole levels and # is the last level
func ValidateFilter(filter string) error {
	if len(filter) == 0 || len(filter) > maxTopicLen || !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return types.ErrInvalidFilter
	}

	levels := strings.Split(filter, SEP)
	for i, level := range levels {
		switch {
		case level == MWC:
			if i != len(levels)-1 {
				return types.ErrInvalidFilter
			}
		case level == SWC:
		case strings.ContainsAny(level, "+#"):
			return types.ErrInvalidFilter
		}
	}

	return nil
}

// Match reports whether topic name matches filter.
// Both are expected to be valid
func Match(filter, topic string) bool {
	fl := strings.Split(filter, SEP)
	tl := strings.Split(topic, SEP)

	if strings.HasPrefix(topic, SYS) && (fl[0] == MWC || fl[0] == SWC) {
		return false
	}

	for i, f := range fl {
		switch f {
		case MWC:
			return true
		case SWC:
			if i >= len(tl) {
				return false
			}
		default:
			if i >= len(tl) || f != tl[i] {
				return false
			}
		}
	}

	return len(fl) == len(tl)
}
