package knowledge

import (
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "do": true, "does": true, "for": true,
	"from": true, "has": true, "have": true, "how": true, "i": true, "in": true,
	"is": true, "it": true, "me": true, "my": true, "of": true, "on": true,
	"or": true, "our": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "we": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "will": true, "with": true, "you": true, "your": true,
	// CJK function-word bigrams
	"我们": true, "你们": true, "他们": true, "什么": true, "怎么": true, "这个": true,
	"那个": true, "一个": true, "可以": true, "是否": true,
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// Tokenize splits text into lowercase search tokens: Latin-script words of
// two or more characters plus overlapping bigrams for CJK runs. Stop words
// are dropped and the result is deduplicated in first-seen order.
func Tokenize(text string) []string {
	var tokens []string
	seen := map[string]bool{}
	add := func(tok string) {
		if tok == "" || stopWords[tok] || seen[tok] {
			return
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}

	var word []rune
	var cjk []rune
	flushWord := func() {
		if len(word) >= 2 {
			add(string(word))
		}
		word = word[:0]
	}
	flushCJK := func() {
		switch {
		case len(cjk) == 1:
			add(string(cjk))
		case len(cjk) > 1:
			for i := 0; i+1 < len(cjk); i++ {
				add(string(cjk[i : i+2]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case isCJK(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word = append(word, r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return tokens
}

// keywordScore is the fraction of tokens found in content.
func keywordScore(tokens []string, content string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}
