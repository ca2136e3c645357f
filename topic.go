package mqttv3

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

// checkTopicString applies the rules shared by names and filters: non-empty,
// encodable as an MQTT string, valid UTF-8 and free of U+0000.
func checkTopicString(s string, invalid error) error {
	switch {
	case s == "":
		return ErrEmptyTopic
	case len(s) > maxUint16, !utf8.ValidString(s), strings.IndexByte(s, 0) >= 0:
		return invalid
	}
	return nil
}

// ValidateTopicName checks a topic a message is published to. Wildcards are
// not allowed.
func ValidateTopicName(topic string) error {
	if err := checkTopicString(topic, ErrInvalidTopicName); err != nil {
		return err
	}
	if containsWildcard(topic) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter checks a subscription filter. "+" must fill a whole
// level, "#" must fill the last one.
func ValidateTopicFilter(filter string) error {
	if err := checkTopicString(filter, ErrInvalidTopicFilter); err != nil {
		return err
	}

	rest := filter
	for {
		level, tail, more := strings.Cut(rest, "/")
		switch {
		case level == "#":
			if more {
				return ErrInvalidTopicFilter
			}
		case level != "+" && containsWildcard(level):
			return ErrInvalidTopicFilter
		}
		if !more {
			return nil
		}
		rest = tail
	}
}

// TopicMatch reports whether topic is covered by filter. Topics starting with
// '$' are only matched by filters that spell out their first level.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if topic[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	for {
		flevel, frest, fmore := strings.Cut(filter, "/")
		if flevel == "#" {
			return true
		}

		tlevel, trest, tmore := strings.Cut(topic, "/")
		if flevel != "+" && flevel != tlevel {
			return false
		}

		switch {
		case !fmore:
			return !tmore
		case !tmore:
			// "a/#" also matches its parent "a".
			return frest == "#"
		}

		filter, topic = frest, trest
	}
}

func containsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "#+")
}
