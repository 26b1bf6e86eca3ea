package processors

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators 从粗到细依次尝试
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// TextSplitter 递归字符切分器。长度按字符（rune）计算
type TextSplitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// SplitPiece 一个切分结果及其在原文中的字符偏移
type SplitPiece struct {
	Text        string
	StartOffset int
}

func NewTextSplitter(size, overlap int) *TextSplitter {
	if size <= 0 {
		size = 800
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &TextSplitter{ChunkSize: size, ChunkOverlap: overlap, Separators: DefaultSeparators}
}

// Split 切分文本并记录起始偏移。
// 下一块最早从 上一块结尾-重叠 处开始，重复文本也不会映射回前面的位置
func (s *TextSplitter) Split(text string) []SplitPiece {
	chunks := s.split(text, s.Separators)
	pieces := make([]SplitPiece, 0, len(chunks))
	prevStart, prevEnd := -1, 0
	for _, c := range chunks {
		from := max(prevStart+1, prevEnd-s.ChunkOverlap)
		offset, ok := runeIndex(text, c, from)
		if !ok && from > prevStart+1 {
			offset, ok = runeIndex(text, c, prevStart+1)
		}
		if !ok {
			offset = max(prevStart, 0)
		}
		pieces = append(pieces, SplitPiece{Text: c, StartOffset: offset})
		prevStart, prevEnd = offset, offset+utf8.RuneCountInString(c)
	}
	return pieces
}

// runeIndex 从第 from 个字符开始查找 sub，返回字符偏移
func runeIndex(text, sub string, from int) (int, bool) {
	b := 0
	for i := 0; i < from && b < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[b:])
		b += size
	}
	idx := strings.Index(text[b:], sub)
	if idx < 0 {
		return 0, false
	}
	return from + utf8.RuneCountInString(text[b:b+idx]), true
}

func (s *TextSplitter) split(text string, separators []string) []string {
	sep := ""
	var rest []string
	for i, c := range separators {
		if c == "" {
			sep = ""
			break
		}
		if strings.Contains(text, c) {
			sep = c
			rest = separators[i+1:]
			break
		}
	}

	var splits []string
	if sep == "" {
		for _, r := range text {
			splits = append(splits, string(r))
		}
	} else {
		splits = strings.Split(text, sep)
	}

	var final, good []string
	for _, p := range splits {
		if p == "" {
			continue
		}
		if utf8.RuneCountInString(p) < s.ChunkSize {
			good = append(good, p)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.merge(good, sep)...)
			good = nil
		}
		if len(rest) == 0 {
			final = append(final, p)
		} else {
			final = append(final, s.split(p, rest)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.merge(good, sep)...)
	}
	return final
}

// merge 把小片段合并到不超过 ChunkSize，相邻块保留约 ChunkOverlap 的重叠
func (s *TextSplitter) merge(splits []string, sep string) []string {
	sepLen := utf8.RuneCountInString(sep)
	var docs, cur []string
	total := 0

	joinedLen := func(extra int) int {
		if len(cur) > 0 {
			return extra + sepLen
		}
		return extra
	}

	for _, d := range splits {
		l := utf8.RuneCountInString(d)
		if total+joinedLen(l) > s.ChunkSize && len(cur) > 0 {
			if doc := strings.TrimSpace(strings.Join(cur, sep)); doc != "" {
				docs = append(docs, doc)
			}
			for total > s.ChunkOverlap || (total > 0 && total+joinedLen(l) > s.ChunkSize) {
				drop := utf8.RuneCountInString(cur[0])
				if len(cur) > 1 {
					drop += sepLen
				}
				total -= drop
				cur = cur[1:]
			}
		}
		total += joinedLen(l)
		cur = append(cur, d)
	}
	if doc := strings.TrimSpace(strings.Join(cur, sep)); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}
