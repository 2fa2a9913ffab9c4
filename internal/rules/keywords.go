package rules

import (
	"regexp"
	"strings"

	"comment-dm/internal/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

const patternCacheSize = 2048

// pattern is a compiled keyword. A nil re means the keyword is not a valid
// expression and is matched as a literal substring.
type pattern struct {
	re *regexp.Regexp
}

// keywordEvaluator tests comment text against rule keywords, caching
// compiled expressions across evaluations.
type keywordEvaluator struct {
	patterns *lru.Cache[string, pattern]
}

func newKeywordEvaluator() *keywordEvaluator {
	cache, err := lru.New[string, pattern](patternCacheSize)
	if err != nil {
		panic(err)
	}
	return &keywordEvaluator{patterns: cache}
}

// contains reports whether keyword occurs anywhere in text. Keywords are
// tried as regular expressions first.
func (e *keywordEvaluator) contains(text, keyword string, caseSensitive bool) bool {
	key := keyword
	if !caseSensitive {
		key = "(?i)" + keyword
	}
	p, ok := e.patterns.Get(key)
	if !ok {
		re, err := regexp.Compile(key)
		if err != nil {
			re = nil
		}
		p = pattern{re: re}
		e.patterns.Add(key, p)
	}
	if p.re != nil {
		return p.re.MatchString(text)
	}
	if caseSensitive {
		return strings.Contains(text, keyword)
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(keyword))
}

// matches applies the rule's keyword gate: any excluded keyword disqualifies,
// then ALL needs every keyword and ANY needs one.
func (e *keywordEvaluator) matches(text string, rule domain.Rule) bool {
	for _, ex := range effectiveKeywords(rule.ExcludeKeywords) {
		if e.contains(text, ex, rule.CaseSensitive) {
			return false
		}
	}
	keywords := effectiveKeywords(rule.Keywords)
	if len(keywords) == 0 {
		return false
	}
	if rule.KeywordLogic == domain.KeywordLogicAll {
		for _, kw := range keywords {
			if !e.contains(text, kw, rule.CaseSensitive) {
				return false
			}
		}
		return true
	}
	for _, kw := range keywords {
		if e.contains(text, kw, rule.CaseSensitive) {
			return true
		}
	}
	return false
}

// effectiveKeywords drops blank entries.
func effectiveKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
