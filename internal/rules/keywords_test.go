package rules

import (
	"testing"

	"comment-dm/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestKeywordGate(t *testing.T) {
	e := newKeywordEvaluator()
	cases := []struct {
		name string
		rule domain.Rule
		text string
		want bool
	}{
		{
			name: "any one present",
			rule: domain.Rule{Keywords: []string{"price", "info"}, KeywordLogic: domain.KeywordLogicAny},
			text: "what is the PRICE?",
			want: true,
		},
		{
			name: "any none present",
			rule: domain.Rule{Keywords: []string{"price", "info"}, KeywordLogic: domain.KeywordLogicAny},
			text: "love it",
			want: false,
		},
		{
			name: "all present",
			rule: domain.Rule{Keywords: []string{"price", "size"}, KeywordLogic: domain.KeywordLogicAll},
			text: "price and size please",
			want: true,
		},
		{
			name: "all with one missing",
			rule: domain.Rule{Keywords: []string{"price", "size"}, KeywordLogic: domain.KeywordLogicAll},
			text: "price please",
			want: false,
		},
		{
			name: "exclude overrides",
			rule: domain.Rule{Keywords: []string{"price"}, ExcludeKeywords: []string{"spam"}},
			text: "price? SPAM",
			want: false,
		},
		{
			name: "case sensitive miss",
			rule: domain.Rule{Keywords: []string{"Price"}, CaseSensitive: true},
			text: "price please",
			want: false,
		},
		{
			name: "substring not whole word",
			rule: domain.Rule{Keywords: []string{"thank"}},
			text: "thanks so much!",
			want: true,
		},
		{
			name: "regex keyword",
			rule: domain.Rule{Keywords: []string{`size\s+(s|m|l)\b`}},
			text: "do you have size M?",
			want: true,
		},
		{
			name: "invalid regex falls back to literal",
			rule: domain.Rule{Keywords: []string{"50%(off"}},
			text: "is the 50%(OFF deal live",
			want: true,
		},
		{
			name: "blank keywords ignored",
			rule: domain.Rule{Keywords: []string{"  ", ""}},
			text: "anything",
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, e.matches(tc.text, tc.rule))
		})
	}
}

func TestAllLogicFlipsOnEachKeyword(t *testing.T) {
	e := newKeywordEvaluator()
	rule := domain.Rule{Keywords: []string{"red", "dress", "xl"}, KeywordLogic: domain.KeywordLogicAll}
	assert.True(t, e.matches("red dress in xl?", rule))

	for _, missing := range []string{"dress in xl?", "red in xl?", "red dress?"} {
		assert.False(t, e.matches(missing, rule), missing)
	}
}
