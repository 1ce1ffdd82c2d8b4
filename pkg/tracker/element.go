package tracker

import (
	"strings"
	"unicode/utf8"
)

// MaxElementIDLength matches the API's element_id limit.
const MaxElementIDLength = 100

const maxTextLength = 50

// Element describes the interacted-with element as seen by the producer.
type Element struct {
	TrackingID string
	DOMID      string
	Tag        string
	Text       string
}

// Strategy derives an identifier from an element, or "" when it cannot.
type Strategy func(Element) string

// DefaultStrategies tries the explicit tracking id, then the DOM id, then tag and text.
var DefaultStrategies = []Strategy{ByTrackingID, ByDOMID, ByTagText}

// ByTrackingID uses the explicit tracking attribute.
func ByTrackingID(el Element) string {
	return strings.TrimSpace(el.TrackingID)
}

// ByDOMID uses the element id.
func ByDOMID(el Element) string {
	return strings.TrimSpace(el.DOMID)
}

// ByTagText combines the lower-cased tag with its whitespace-collapsed text.
func ByTagText(el Element) string {
	tag := strings.ToLower(strings.TrimSpace(el.Tag))
	text := strings.Join(strings.Fields(el.Text), " ")
	text = truncate(text, maxTextLength)
	switch {
	case tag == "" && text == "":
		return ""
	case text == "":
		return tag
	case tag == "":
		return text
	default:
		return tag + ":" + text
	}
}

// ElementIdentifier returns the first non-empty identifier produced by the
// strategies, DefaultStrategies when none are given, truncated to
// MaxElementIDLength characters.
func ElementIdentifier(el Element, strategies ...Strategy) string {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	for _, strategy := range strategies {
		if id := strategy(el); id != "" {
			return truncate(id, MaxElementIDLength)
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
