// Package parser reads CIF documents and the small grammars embedded in
// them (numbers with uncertainties, symmetry operations, space-group
// symbols).
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrMissing is returned when a tag is absent or holds '?' or '.'.
var ErrMissing = errors.New("parser: value missing")

// SyntaxError reports a malformed CIF document.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("cif syntax error at line %d: %s", e.Line, e.Msg)
}

// Document is a parsed CIF file.
type Document struct {
	Blocks []*Block
}

// Block is one data_ block. Tag names are stored lowercase.
type Block struct {
	Name  string
	items map[string]string
	loops []*Loop
}

// Loop is a loop_ table.
type Loop struct {
	Tags []string
	Rows [][]string
}

// ParseFile opens and parses the CIF document at path.
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := Parse(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// Parse reads a CIF document. It returns an error when the document holds
// no data block.
func Parse(r io.Reader) (*Document, error) {
	tokens, err := tokenize(r)
	if err != nil {
		return nil, err
	}

	doc := &Document{}
	var block *Block
	for i := 0; i < len(tokens); {
		tok := tokens[i]
		switch tok.kind {
		case tokData:
			block = &Block{Name: tok.text, items: make(map[string]string)}
			doc.Blocks = append(doc.Blocks, block)
			i++
		case tokSkip:
			i++
		case tokLoop:
			if block == nil {
				return nil, &SyntaxError{Line: tok.line, Msg: "loop_ outside of a data block"}
			}
			loop, next, err := parseLoop(tokens, i+1)
			if err != nil {
				return nil, err
			}
			block.loops = append(block.loops, loop)
			i = next
		case tokTag:
			if block == nil {
				return nil, &SyntaxError{Line: tok.line, Msg: "tag outside of a data block"}
			}
			if i+1 >= len(tokens) || tokens[i+1].kind != tokValue {
				return nil, &SyntaxError{Line: tok.line, Msg: fmt.Sprintf("tag %s has no value", tok.text)}
			}
			block.items[strings.ToLower(tok.text)] = tokens[i+1].text
			i += 2
		case tokValue:
			return nil, &SyntaxError{Line: tok.line, Msg: fmt.Sprintf("unexpected value %q", tok.text)}
		}
	}

	if len(doc.Blocks) == 0 {
		return nil, &SyntaxError{Line: 0, Msg: "no data block"}
	}
	return doc, nil
}

func parseLoop(tokens []token, i int) (*Loop, int, error) {
	loop := &Loop{}
	start := i
	for i < len(tokens) && tokens[i].kind == tokTag {
		loop.Tags = append(loop.Tags, strings.ToLower(tokens[i].text))
		i++
	}
	if len(loop.Tags) == 0 {
		line := 0
		if start > 0 {
			line = tokens[start-1].line
		}
		return nil, i, &SyntaxError{Line: line, Msg: "loop_ without tags"}
	}

	var values []string
	firstLine := 0
	for i < len(tokens) && tokens[i].kind == tokValue {
		if firstLine == 0 {
			firstLine = tokens[i].line
		}
		values = append(values, tokens[i].text)
		i++
	}
	if len(values)%len(loop.Tags) != 0 {
		return nil, i, &SyntaxError{
			Line: firstLine,
			Msg:  fmt.Sprintf("loop has %d values for %d tags", len(values), len(loop.Tags)),
		}
	}
	for j := 0; j < len(values); j += len(loop.Tags) {
		loop.Rows = append(loop.Rows, values[j:j+len(loop.Tags)])
	}
	return loop, i, nil
}

// First returns the first data block.
func (d *Document) First() *Block {
	return d.Blocks[0]
}

// Value returns the raw value of a non-looped tag. Looped tags with a single
// row are also returned, since some writers loop scalar items.
func (b *Block) Value(tag string) (string, error) {
	tag = strings.ToLower(tag)
	v, ok := b.items[tag]
	if !ok {
		loop := b.Loop(tag)
		if loop == nil || len(loop.Rows) != 1 {
			return "", fmt.Errorf("%s: %w", tag, ErrMissing)
		}
		v, _ = loop.Value(0, tag)
	}
	if v == "?" || v == "." {
		return "", fmt.Errorf("%s: %w", tag, ErrMissing)
	}
	return v, nil
}

// FirstValue returns the value of the first tag in tags that is present.
func (b *Block) FirstValue(tags ...string) (string, error) {
	for _, tag := range tags {
		if v, err := b.Value(tag); err == nil {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s: %w", strings.Join(tags, "|"), ErrMissing)
}

// Float parses a numeric tag, dropping any standard uncertainty.
func (b *Block) Float(tag string) (float64, error) {
	v, err := b.Value(tag)
	if err != nil {
		return 0, err
	}
	f, err := ParseNumber(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", tag, err)
	}
	return f, nil
}

// Loop returns the loop holding tag, or nil.
func (b *Block) Loop(tag string) *Loop {
	tag = strings.ToLower(tag)
	for _, l := range b.loops {
		if l.index(tag) >= 0 {
			return l
		}
	}
	return nil
}

// FirstLoop returns the loop holding the first tag of tags that is looped,
// along with that tag.
func (b *Block) FirstLoop(tags ...string) (*Loop, string) {
	for _, tag := range tags {
		if l := b.Loop(tag); l != nil {
			return l, strings.ToLower(tag)
		}
	}
	return nil, ""
}

func (l *Loop) index(tag string) int {
	for i, t := range l.Tags {
		if t == tag {
			return i
		}
	}
	return -1
}

// Has reports whether the loop carries tag.
func (l *Loop) Has(tag string) bool {
	return l.index(strings.ToLower(tag)) >= 0
}

// Value returns the cell of row for tag.
func (l *Loop) Value(row int, tag string) (string, bool) {
	idx := l.index(strings.ToLower(tag))
	if idx < 0 || row < 0 || row >= len(l.Rows) {
		return "", false
	}
	return l.Rows[row][idx], true
}

type tokenKind int

const (
	tokValue tokenKind = iota
	tokTag
	tokLoop
	tokData
	tokSkip
)

type token struct {
	kind tokenKind
	text string
	line int
}

func tokenize(r io.Reader) ([]token, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		tokens   []token
		lineNo   int
		inText   bool
		textLine int
		text     strings.Builder
	)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")

		if inText {
			if strings.HasPrefix(line, ";") {
				inText = false
				tokens = append(tokens, token{kind: tokValue, text: strings.TrimSpace(text.String()), line: textLine})
				text.Reset()
				line = line[1:]
			} else {
				text.WriteString(line)
				text.WriteByte('\n')
				continue
			}
		} else if strings.HasPrefix(line, ";") {
			inText = true
			textLine = lineNo
			text.WriteString(line[1:])
			text.WriteByte('\n')
			continue
		}

		lineTokens, err := tokenizeLine(line, lineNo)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, lineTokens...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cif: %w", err)
	}
	if inText {
		return nil, &SyntaxError{Line: textLine, Msg: "unterminated text field"}
	}
	return tokens, nil
}

func tokenizeLine(line string, lineNo int) ([]token, error) {
	var out []token
	i := 0
	for i < len(line) {
		c := line[i]
		if isSpace(c) {
			i++
			continue
		}
		if c == '#' {
			break
		}

		if c == '\'' || c == '"' {
			end := -1
			for j := i + 1; j < len(line); j++ {
				if line[j] == c && (j+1 == len(line) || isSpace(line[j+1])) {
					end = j
					break
				}
			}
			if end < 0 {
				return nil, &SyntaxError{Line: lineNo, Msg: "unterminated quoted string"}
			}
			out = append(out, token{kind: tokValue, text: line[i+1 : end], line: lineNo})
			i = end + 1
			continue
		}

		j := i
		for j < len(line) && !isSpace(line[j]) {
			j++
		}
		word := line[i:j]
		i = j

		lower := strings.ToLower(word)
		switch {
		case word[0] == '_':
			out = append(out, token{kind: tokTag, text: word, line: lineNo})
		case strings.HasPrefix(lower, "data_"):
			out = append(out, token{kind: tokData, text: word[5:], line: lineNo})
		case lower == "loop_":
			out = append(out, token{kind: tokLoop, line: lineNo})
		case lower == "global_" || lower == "stop_" || strings.HasPrefix(lower, "save_"):
			out = append(out, token{kind: tokSkip, line: lineNo})
		default:
			out = append(out, token{kind: tokValue, text: word, line: lineNo})
		}
	}
	return out, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}
