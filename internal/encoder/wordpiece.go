package encoder

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	tokenCLS = "[CLS]"
	tokenSEP = "[SEP]"
	tokenUNK = "[UNK]"

	maxWordChars = 100
)

// Tokenizer is an uncased BERT WordPiece tokenizer.
type Tokenizer struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	unk   int64
}

// LoadTokenizer reads a vocab.txt file with one token per line; the line
// number is the token id.
func LoadTokenizer(vocabPath string) (*Tokenizer, error) {
	f, err := os.Open(vocabPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var id int64
	for sc.Scan() {
		vocab[strings.TrimRight(sc.Text(), "\r")] = id
		id++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return NewTokenizer(vocab)
}

func NewTokenizer(vocab map[string]int64) (*Tokenizer, error) {
	t := &Tokenizer{vocab: vocab}
	for _, special := range []struct {
		name string
		dst  *int64
	}{{tokenCLS, &t.cls}, {tokenSEP, &t.sep}, {tokenUNK, &t.unk}} {
		id, ok := vocab[special.name]
		if !ok {
			return nil, fmt.Errorf("vocab is missing %s", special.name)
		}
		*special.dst = id
	}
	return t, nil
}

// Encode returns [CLS] tokens [SEP], truncated so the total length is at
// most maxLen.
func (t *Tokenizer) Encode(text string, maxLen int) []int64 {
	if maxLen < 2 {
		maxLen = 2
	}
	ids := []int64{t.cls}
	for _, word := range basicTokenize(text) {
		for _, id := range t.wordPiece(word) {
			if len(ids) == maxLen-1 {
				return append(ids, t.sep)
			}
			ids = append(ids, id)
		}
	}
	return append(ids, t.sep)
}

// Tokens is Encode without the special tokens, mapped back to strings.
// Used for debugging vocab problems.
func (t *Tokenizer) Tokens(text string) []string {
	rev := make(map[int64]string, len(t.vocab))
	for tok, id := range t.vocab {
		rev[id] = tok
	}
	var out []string
	for _, word := range basicTokenize(text) {
		for _, id := range t.wordPiece(word) {
			out = append(out, rev[id])
		}
	}
	return out
}

// wordPiece splits one word by greedy longest-match-first.
func (t *Tokenizer) wordPiece(word string) []int64 {
	runes := []rune(word)
	if len(runes) > maxWordChars {
		return []int64{t.unk}
	}

	var ids []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		found := int64(-1)
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := t.vocab[sub]; ok {
				found = id
				break
			}
			end--
		}
		if found < 0 {
			return []int64{t.unk}
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}

// basicTokenize lowercases, strips accents and splits on whitespace and
// punctuation. CJK ideographs become single-character words.
func basicTokenize(text string) []string {
	text = strings.ToLower(text)
	text = stripAccents(text)

	var (
		words []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case unicode.IsSpace(r):
			flush()
		case isPunct(r) || isCJK(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

func stripAccents(s string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r) || unicode.In(r, unicode.Cf)
}

// isPunct follows BERT: all non-alphanumeric ASCII counts as punctuation.
func isPunct(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
