package tagquery

import (
	"regexp"
	"strings"
)

// Tag is a normalized device tag. Structured tags ("key=value") carry
// distinct key and value; simple tags ("value") use the value as both.
type Tag struct {
	Key    string
	Value  string
	Simple bool
}

var componentRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ParseTag normalizes and classifies a raw tag string. Returns false
// for tags that do not conform to the tag charset; callers skip those.
func ParseTag(raw string) (Tag, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Tag{}, false
	}

	if k, v, found := strings.Cut(s, "="); found {
		if !componentRe.MatchString(k) || !componentRe.MatchString(v) {
			return Tag{}, false
		}
		return Tag{Key: k, Value: v}, true
	}

	if !componentRe.MatchString(s) {
		return Tag{}, false
	}
	return Tag{Key: s, Value: s, Simple: true}, true
}

// ParseTagSet normalizes a device's raw tag list, silently dropping
// invalid entries.
func ParseTagSet(raw []string) []Tag {
	tags := make([]Tag, 0, len(raw))
	for _, r := range raw {
		if t, ok := ParseTag(r); ok {
			tags = append(tags, t)
		}
	}
	return tags
}

// compilePattern turns a wildcard pattern into an anchored regexp.
// Each '*' matches a greedy run of tag-charset characters; consecutive
// wildcards collapse into one.
func compilePattern(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	prevStar := false
	for _, r := range pattern {
		if r == '*' {
			if !prevStar {
				b.WriteString("[a-z0-9_-]*")
			}
			prevStar = true
			continue
		}
		prevStar = false
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
