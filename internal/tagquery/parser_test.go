package tagquery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleMatch(t *testing.T) {
	node, err := Parse("environment=production")
	require.NoError(t, err)

	match, ok := node.(*MatchNode)
	require.True(t, ok)
	assert.Equal(t, "environment", match.Key)
	assert.Equal(t, "production", match.Value)
}

func TestParseWildcard(t *testing.T) {
	node, err := Parse("location=warehouse-*")
	require.NoError(t, err)

	wc, ok := node.(*WildcardNode)
	require.True(t, ok)
	assert.Equal(t, "location", wc.Key)
	assert.Equal(t, "warehouse-*", wc.Pattern)
}

func TestParsePrecedence(t *testing.T) {
	// AND binds tighter than OR
	node, err := Parse("a=1 OR b=2 AND c=3")
	require.NoError(t, err)

	or, ok := node.(*OrNode)
	require.True(t, ok)
	_, ok = or.Left.(*MatchNode)
	assert.True(t, ok)
	_, ok = or.Right.(*AndNode)
	assert.True(t, ok)
}

func TestParseNotIsPrefixAndRightAssociative(t *testing.T) {
	node, err := Parse("NOT NOT a=1")
	require.NoError(t, err)

	outer, ok := node.(*NotNode)
	require.True(t, ok)
	inner, ok := outer.Operand.(*NotNode)
	require.True(t, ok)
	_, ok = inner.Operand.(*MatchNode)
	assert.True(t, ok)
}

func TestParseCaseInsensitiveKeywords(t *testing.T) {
	for _, q := range []string{"a=1 and b=2", "a=1 AND b=2", "a=1 And b=2"} {
		node, err := Parse(q)
		require.NoError(t, err)
		_, ok := node.(*AndNode)
		assert.True(t, ok, q)
	}
}

func TestParseParenthesesOverridePrecedence(t *testing.T) {
	node, err := Parse("(a=1 OR b=2) AND c=3")
	require.NoError(t, err)

	and, ok := node.(*AndNode)
	require.True(t, ok)
	_, ok = and.Left.(*OrNode)
	assert.True(t, ok)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"unexpected character", "env!=prod"},
		{"unbalanced open", "(a=1 AND b=2"},
		{"unbalanced close", "a=1)"},
		{"missing and operand", "a=1 AND"},
		{"missing or operand", "OR a=1"},
		{"missing not operand", "NOT"},
		{"missing equals", "environment production"},
		{"missing value", "environment="},
		{"missing key", "=production"},
		{"wildcard in key", "loc*=value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.query)
			require.Error(t, err)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.GreaterOrEqual(t, pe.Pos, 0)
		})
	}
}

func TestParsePrettyPrintRoundTrip(t *testing.T) {
	queries := []string{
		"environment=production",
		"location=warehouse-*",
		"NOT environment=dev",
		"a=1 AND b=2 AND c=3",
		"a=1 OR b=2 OR c=3",
		"a=1 OR b=2 AND c=3",
		"(a=1 OR b=2) AND c=3",
		"NOT (a=1 AND b=2)",
		"a=1 AND (b=2 OR c=3)",
		"a=1 AND (b=2 AND c=3)",
		"a=1 OR (b=2 OR c=3)",
		"(hardware=rpi4 OR hardware=rpi5) AND NOT environment=dev AND location=warehouse-*",
	}

	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			first, err := Parse(q)
			require.NoError(t, err)

			printed := first.String()
			second, err := Parse(printed)
			require.NoError(t, err)

			// Printing again must be a fixed point: same AST shape,
			// same rendering.
			assert.Equal(t, printed, second.String())
		})
	}
}
