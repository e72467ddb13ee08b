package tagquery

import (
	"regexp"
	"strings"
)

// Node is one node of a parsed tag query. Evaluation is a short-circuit
// recursion over the device's normalized tag set.
type Node interface {
	Eval(tags []Tag) bool
	String() string
}

// AndNode matches when both operands match.
type AndNode struct {
	Left, Right Node
}

func (n *AndNode) Eval(tags []Tag) bool {
	return n.Left.Eval(tags) && n.Right.Eval(tags)
}

func (n *AndNode) String() string {
	// The right operand re-binds under left associativity, so any
	// compound on the right keeps its parentheses.
	left := n.Left.String()
	if _, ok := n.Left.(*OrNode); ok {
		left = "(" + left + ")"
	}
	right := n.Right.String()
	switch n.Right.(type) {
	case *OrNode, *AndNode:
		right = "(" + right + ")"
	}
	return left + " AND " + right
}

// OrNode matches when either operand matches.
type OrNode struct {
	Left, Right Node
}

func (n *OrNode) Eval(tags []Tag) bool {
	return n.Left.Eval(tags) || n.Right.Eval(tags)
}

func (n *OrNode) String() string {
	right := n.Right.String()
	if _, ok := n.Right.(*OrNode); ok {
		right = "(" + right + ")"
	}
	return n.Left.String() + " OR " + right
}

// NotNode inverts its operand.
type NotNode struct {
	Operand Node
}

func (n *NotNode) Eval(tags []Tag) bool {
	return !n.Operand.Eval(tags)
}

func (n *NotNode) String() string {
	switch n.Operand.(type) {
	case *AndNode, *OrNode:
		return "NOT (" + n.Operand.String() + ")"
	}
	return "NOT " + n.Operand.String()
}

// MatchNode is a literal key=value match. A structured tag matches when
// its key and value both match; a simple tag matches on value alone so
// a query like environment=production still hits devices tagged just
// "production".
type MatchNode struct {
	Key   string
	Value string
}

func (n *MatchNode) Eval(tags []Tag) bool {
	for _, t := range tags {
		if t.Simple {
			if t.Value == n.Value {
				return true
			}
			continue
		}
		if t.Key == n.Key && t.Value == n.Value {
			return true
		}
	}
	return false
}

func (n *MatchNode) String() string {
	return n.Key + "=" + n.Value
}

// WildcardNode is a key=pattern match where the pattern contains '*'.
type WildcardNode struct {
	Key     string
	Pattern string

	re *regexp.Regexp
}

func (n *WildcardNode) Eval(tags []Tag) bool {
	for _, t := range tags {
		if t.Simple {
			if n.re.MatchString(t.Value) {
				return true
			}
			continue
		}
		if t.Key == n.Key && n.re.MatchString(t.Value) {
			return true
		}
	}
	return false
}

func (n *WildcardNode) String() string {
	return n.Key + "=" + n.Pattern
}

// Evaluate runs a parsed query against a device's raw tag list.
// Invalid stored tags are silently skipped.
func Evaluate(n Node, rawTags []string) bool {
	return n.Eval(ParseTagSet(rawTags))
}

// normalizeIdent lower-cases a query identifier the same way tags are
// normalized on ingress.
func normalizeIdent(s string) string {
	return strings.ToLower(s)
}
