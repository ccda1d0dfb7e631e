package source

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axlab/axsweep/internal/variant"
)

const kinematicsFixture = `#include "approx.h"

float forwardk(float theta1, float theta2) {
    //approx:
    float theta_sum = theta1 + theta2;
    //approx:
    float term1 = L1 * cos(theta1);
    /*approx:*/
    float term2 = L2 * cos_sum(theta_sum);
    //approx:
    float x = term1 + term2;
    return x;
}
`

func TestParseOrdinalsAndOrder(t *testing.T) {
	sites, err := Parse(kinematicsFixture, Options{})
	require.NoError(t, err)
	require.Len(t, sites, 4)

	for i, site := range sites {
		assert.Equal(t, i, site.Ordinal, "ordinals are assigned in source order")
	}
	assert.Equal(t, "theta1 + theta2", sites[0].Expr)
	assert.Equal(t, "L1 * cos(theta1)", sites[1].Expr)
	assert.Equal(t, "L2 * cos_sum(theta_sum)", sites[2].Expr)
	assert.Equal(t, "term1 + term2", sites[3].Expr)

	assert.Equal(t, variant.OpFloatAdd, sites[0].Kind)
	assert.Equal(t, variant.OpFloatMul, sites[1].Kind)
	assert.Equal(t, variant.OpFloatMul, sites[2].Kind)
	assert.Equal(t, variant.OpFloatAdd, sites[3].Kind)
}

func TestParseMarkerForms(t *testing.T) {
	for name, text := range map[string]string{
		"line comment":       "//approx:\nfloat x = a + b;\n",
		"block comment":      "/*approx:*/\nfloat x = a + b;\n",
		"trailing backslash": "//approx: \\\nfloat x = a + b;\n",
		"indented":           "\t  //approx:\nfloat x = a + b;\n",
		"spaced block":       "/* approx: */\nfloat x = a + b;\n",
	} {
		t.Run(name, func(t *testing.T) {
			sites, err := Parse(text, Options{})
			require.NoError(t, err)
			require.Len(t, sites, 1)
			assert.Equal(t, "a + b", sites[0].Expr)
		})
	}
}

func TestParseCustomMarker(t *testing.T) {
	text := "//anotacao:\nfloat x = a + b;\n"

	sites, err := Parse(text, Options{Marker: "anotacao:"})
	require.NoError(t, err)
	assert.Len(t, sites, 1)

	sites, err = Parse(text, Options{})
	require.NoError(t, err)
	assert.Empty(t, sites, "default marker does not match a custom token")
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name string
		line string
		opts Options
		want variant.OpKind
	}{
		{"float declarator", "float x = a + b;", Options{}, variant.OpFloatAdd},
		{"double declarator", "double x = a * b;", Options{}, variant.OpFloatMul},
		{"int declarator", "int x = a + b;", Options{}, variant.OpIntAdd},
		{"int declarator mul", "unsigned int x = a * b;", Options{}, variant.OpIntMul},
		{"float literal", "x = a * 2.0f;", Options{}, variant.OpFloatMul},
		{"exponent literal", "x = a + 1e-3;", Options{}, variant.OpFloatAdd},
		{"default float", "*out = a - b;", Options{}, variant.OpFloatSub},
		{"default int", "acc = acc + step;", Options{DefaultClass: ClassInt}, variant.OpIntAdd},
		{"bare int literal not decisive", "x = a + 1;", Options{}, variant.OpFloatAdd},
		{"division", "float r = num / den;", Options{}, variant.OpFloatDiv},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sites, err := Parse("//approx:\n"+tc.line+"\n", tc.opts)
			require.NoError(t, err)
			require.Len(t, sites, 1)
			assert.Equal(t, tc.want, sites[0].Kind)
		})
	}
}

func TestParseRejectsIntegerSubAndDiv(t *testing.T) {
	for name, text := range map[string]string{
		"integer sub": "//approx:\nint d = a - b;\n",
		"integer div": "//approx:\nint q = a / b;\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(text, Options{})
			require.Error(t, err)
			assert.True(t, IsParseError(err))
			assert.Contains(t, err.Error(), "no approximate counterpart")
		})
	}
}

func TestParseMalformedMarkers(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"marker at end of file", "float x = a + b;\n//approx:"},
		{"marker before blank line", "//approx:\n\nfloat x = a + b;\n"},
		{"stacked markers", "//approx:\n//approx:\nfloat x = a + b;\n"},
		{"no expression", "//approx:\nreturn x;\n"},
		{"single operand", "//approx:\nfloat x = f(a);\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.text, Options{})
			require.Error(t, err)
			assert.True(t, IsParseError(err), "want ParseError, got %v", err)
		})
	}
}

func TestParseOperandForms(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		operands []string
	}{
		{"pointer access", "*g = p->real + q->real;", []string{"p->real", "q->real"}},
		{"member access", "float m = o.re * w.re;", []string{"o.re", "w.re"}},
		{"array subscript", "out = a[i] + b[j];", []string{"a[i]", "b[j]"}},
		{"subscript with arithmetic index", "out = a[i-1] + a[i+1];", []string{"a[i-1]", "a[i+1]"}},
		{"call expression", "float y = f(x) * g(x);", []string{"f(x)", "g(x)"}},
		{"numeric literal", "float h = x * 0.5f;", []string{"x", "0.5f"}},
		{"parenthesized literal", "float n = x * (2.0f);", []string{"x", "(2.0f)"}},
		{"three-operand chain", "float s = a + b + c;", []string{"a", "b", "c"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sites, err := Parse("//approx:\n"+tc.line+"\n", Options{})
			require.NoError(t, err)
			require.Len(t, sites, 1)
			assert.Equal(t, tc.operands, sites[0].Operands)
		})
	}
}

func TestParseTakesEarliestChain(t *testing.T) {
	sites, err := Parse("//approx:\ny = a + b * c;\n", Options{})
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "a + b", sites[0].Expr)
	assert.Equal(t, variant.OpFloatAdd, sites[0].Kind)
}

func TestParseIgnoresUnmarkedExpressions(t *testing.T) {
	text := "float x = a + b;\nfloat y = c * d;\n"
	sites, err := Parse(text, Options{})
	require.NoError(t, err)
	assert.Empty(t, sites)
}

func TestParseSpanMatchesText(t *testing.T) {
	sites, err := Parse(kinematicsFixture, Options{})
	require.NoError(t, err)

	lines := strings.Split(kinematicsFixture, "\n")
	for _, site := range sites {
		line := lines[site.Line-1]
		assert.Equal(t, site.Expr, line[site.Start:site.End],
			"recorded span must reproduce the expression")
	}
}
