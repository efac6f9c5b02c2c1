// Package pattern validates and matches hierarchical dot-separated event patterns.
//
// A pattern is a sequence of segments joined by ".". A segment is either a
// literal made of letters, digits, "_" and "-", the single wildcard "*" that
// matches exactly one segment, or the multi wildcard "**" that matches zero or
// more segments. A subscription pattern consisting of just "*" or "**" matches
// every event.
//
//	pattern.Match("sales.order.created", "sales.*.created") // true
//	pattern.Match("sales.order.created", "sales.*")         // false
//	pattern.Match("sales.order.created", "sales.**")        // true
package pattern

import (
	"fmt"
	"strings"

	buserrors "github.com/randalmurphal/securebus/pkg/securebus/errors"
)

// Wildcard and separator constants.
const (
	// WildcardSingle matches exactly one segment.
	WildcardSingle = "*"

	// WildcardMulti matches zero or more segments.
	WildcardMulti = "**"

	// Separator joins segments.
	Separator = "."

	// MaxLength bounds the total pattern length.
	MaxLength = 256

	// MaxSegments bounds the number of segments.
	MaxSegments = 32
)

// Segments splits a pattern into its segments.
func Segments(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, Separator)
}

// Validate reports why p is not a valid pattern, or nil when it is.
func Validate(p string) error {
	if p == "" {
		return buserrors.New(buserrors.KindInvalidPattern, p, "pattern is empty")
	}
	if len(p) > MaxLength {
		return buserrors.New(buserrors.KindInvalidPattern, p,
			fmt.Sprintf("pattern exceeds %d characters", MaxLength))
	}
	segments := Segments(p)
	if len(segments) > MaxSegments {
		return buserrors.New(buserrors.KindInvalidPattern, p,
			fmt.Sprintf("pattern exceeds %d segments", MaxSegments))
	}
	for i, seg := range segments {
		if !validSegment(seg) {
			return buserrors.New(buserrors.KindInvalidPattern, p,
				fmt.Sprintf("segment %d (%q) is invalid", i, seg))
		}
	}
	return nil
}

// IsValid reports whether p is a syntactically valid pattern.
func IsValid(p string) bool {
	return Validate(p) == nil
}

// IsConcrete reports whether p is valid and contains no wildcard segments.
// Only concrete patterns may be emitted.
func IsConcrete(p string) bool {
	if !IsValid(p) {
		return false
	}
	for _, seg := range Segments(p) {
		if seg == WildcardSingle || seg == WildcardMulti {
			return false
		}
	}
	return true
}

func validSegment(seg string) bool {
	if seg == WildcardSingle || seg == WildcardMulti {
		return true
	}
	if seg == "" {
		return false
	}
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Match reports whether the concrete event pattern matches the subscription pattern.
func Match(eventPattern, subscriptionPattern string) bool {
	if subscriptionPattern == WildcardMulti || subscriptionPattern == WildcardSingle {
		return eventPattern != ""
	}
	if eventPattern == subscriptionPattern {
		return true
	}
	return matchSegments(Segments(eventPattern), Segments(subscriptionPattern))
}

// matchSegments walks both segment lists; "**" tries every split of the remainder.
func matchSegments(event, sub []string) bool {
	for len(sub) > 0 {
		head := sub[0]
		if head == WildcardMulti {
			rest := sub[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(event); i++ {
				if matchSegments(event[i:], rest) {
					return true
				}
			}
			return false
		}
		if len(event) == 0 {
			return false
		}
		if head != WildcardSingle && head != event[0] {
			return false
		}
		event = event[1:]
		sub = sub[1:]
	}
	return len(event) == 0
}
