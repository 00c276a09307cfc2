// Package classify partitions timeline elements between the two rendering
// strategies: "styled" elements go to the off-line overlay frame renderer,
// "media" elements are handled natively by the filter graph.
package classify

import "github.com/silvercrow/onecut/internal/models"

// rule is one classification predicate. Rules are evaluated in order and the
// first match routes the element to the styled partition.
type rule struct {
	name  string
	match func(models.TimelineElement) bool
}

// styledRules is the complete, ordered rule set. Keeping it explicit (rather
// than sniffing ad hoc style keys inline) makes each rule testable on its own.
var styledRules = []rule{
	{
		name: "text_or_caption",
		match: func(el models.TimelineElement) bool {
			return el.Kind == models.ElementText || el.Kind == models.ElementCaption
		},
	},
	{
		name: "sticker_or_animated",
		match: func(el models.TimelineElement) bool {
			if el.Kind == models.ElementSticker {
				return true
			}
			return el.Kind.IsMedia() && el.Style != nil && el.Style.Animated
		},
	},
	{
		name: "rich_style",
		match: func(el models.TimelineElement) bool {
			s := el.Style
			if s == nil {
				return false
			}
			return s.Shadow || s.CornerRadius > 0 || s.Background != "" || s.FontFamily != ""
		},
	},
	{
		name: "has_transition",
		match: func(el models.TimelineElement) bool {
			return (el.TransitionIn != nil && el.TransitionIn.DurationMs > 0) ||
				(el.TransitionOut != nil && el.TransitionOut.DurationMs > 0)
		},
	},
}

// Classify splits elements into the styled and media partitions. It is a pure
// function of the element set: same input, same partition, every call. Input
// order is preserved within each partition.
func Classify(elements []models.TimelineElement) (styled, media []models.TimelineElement) {
	for _, el := range elements {
		if IsStyled(el) {
			styled = append(styled, el)
		} else {
			media = append(media, el)
		}
	}
	return styled, media
}

// IsStyled applies the rule set to a single element.
func IsStyled(el models.TimelineElement) bool {
	return MatchingRule(el) != ""
}

// MatchingRule returns the name of the first rule that routes the element to
// the styled partition, or "" when the element is handled natively.
func MatchingRule(el models.TimelineElement) string {
	for _, r := range styledRules {
		if r.match(el) {
			return r.name
		}
	}
	return ""
}
