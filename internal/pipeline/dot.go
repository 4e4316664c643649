package pipeline

import (
	"fmt"
	"strings"
	"unicode"
)

// ParseDOT parses the digraph subset the engine consumes: node statements
// with attribute lists, edge statements including chains (a -> b -> c),
// graph-level attributes, node/edge default statements, quoted strings with
// escapes, and //, # and /* */ comments. Unknown attributes are preserved
// on the node or edge as extensions.
func ParseDOT(source string) (*Graph, error) {
	tokens, err := lexDOT(source)
	if err != nil {
		return nil, err
	}
	p := &dotParser{tokens: tokens}
	return p.parse()
}

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenString
	tokenSymbol
	tokenArrow
	tokenEOF
)

type token struct {
	kind tokenKind
	text string
	line int
}

func lexDOT(source string) ([]token, error) {
	var tokens []token
	line := 1
	i := 0
	for i < len(source) {
		ch := source[i]
		switch {
		case ch == '\n':
			line++
			i++
		case ch == ' ' || ch == '\t' || ch == '\r':
			i++
		case ch == '/' && i+1 < len(source) && source[i+1] == '/':
			for i < len(source) && source[i] != '\n' {
				i++
			}
		case ch == '#':
			for i < len(source) && source[i] != '\n' {
				i++
			}
		case ch == '/' && i+1 < len(source) && source[i+1] == '*':
			end := strings.Index(source[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("line %d: unterminated block comment", line)
			}
			line += strings.Count(source[i:i+2+end+2], "\n")
			i += 2 + end + 2
		case ch == '"':
			text, consumed, newlines, err := lexString(source[i:], line)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokenString, text: text, line: line})
			line += newlines
			i += consumed
		case ch == '-' && i+1 < len(source) && source[i+1] == '>':
			tokens = append(tokens, token{kind: tokenArrow, text: "->", line: line})
			i += 2
		case strings.ContainsRune("{}[]=;,", rune(ch)):
			tokens = append(tokens, token{kind: tokenSymbol, text: string(ch), line: line})
			i++
		case isIdentChar(rune(ch)) || ch == '-':
			start := i
			i++
			for i < len(source) && isIdentChar(rune(source[i])) {
				i++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: source[start:i], line: line})
		default:
			return nil, fmt.Errorf("line %d: unexpected character %q", line, ch)
		}
	}
	tokens = append(tokens, token{kind: tokenEOF, text: "", line: line})
	return tokens, nil
}

func isIdentChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}

// lexString consumes a quoted string starting at source[0] == '"'. Escapes:
// \" and \\ resolve; \n becomes a newline; anything else keeps the escaped
// character.
func lexString(source string, line int) (text string, consumed, newlines int, err error) {
	var b strings.Builder
	i := 1
	for i < len(source) {
		ch := source[i]
		switch ch {
		case '"':
			return b.String(), i + 1, newlines, nil
		case '\\':
			if i+1 >= len(source) {
				return "", 0, 0, fmt.Errorf("line %d: unterminated string", line)
			}
			switch source[i+1] {
			case 'n':
				b.WriteByte('\n')
			default:
				b.WriteByte(source[i+1])
			}
			i += 2
		case '\n':
			newlines++
			b.WriteByte(ch)
			i++
		default:
			b.WriteByte(ch)
			i++
		}
	}
	return "", 0, 0, fmt.Errorf("line %d: unterminated string", line)
}

type dotParser struct {
	tokens []token
	pos    int

	nodeDefaults map[string]string
	edgeDefaults map[string]string
}

func (p *dotParser) peek() token  { return p.tokens[p.pos] }
func (p *dotParser) next() token  { t := p.tokens[p.pos]; p.pos++; return t }
func (p *dotParser) errf(t token, format string, args ...any) error {
	return fmt.Errorf("line %d: %s", t.line, fmt.Sprintf(format, args...))
}

func (p *dotParser) expectSymbol(sym string) error {
	t := p.next()
	if t.kind != tokenSymbol || t.text != sym {
		return p.errf(t, "expected %q, got %q", sym, t.text)
	}
	return nil
}

func (p *dotParser) parse() (*Graph, error) {
	p.nodeDefaults = make(map[string]string)
	p.edgeDefaults = make(map[string]string)

	t := p.next()
	if t.kind != tokenIdent || t.text != "digraph" {
		return nil, p.errf(t, "expected digraph, got %q", t.text)
	}
	name := ""
	if nt := p.peek(); nt.kind == tokenIdent || nt.kind == tokenString {
		name = p.next().text
	}
	if err := p.expectSymbol("{"); err != nil {
		return nil, err
	}

	graph := NewGraph(name)
	for {
		t := p.peek()
		switch {
		case t.kind == tokenEOF:
			return nil, p.errf(t, "unexpected end of input, expected }")
		case t.kind == tokenSymbol && t.text == "}":
			p.next()
			return graph, nil
		case t.kind == tokenSymbol && t.text == ";":
			p.next()
		case t.kind == tokenIdent || t.kind == tokenString:
			if err := p.parseStatement(graph); err != nil {
				return nil, err
			}
		default:
			return nil, p.errf(t, "unexpected token %q", t.text)
		}
	}
}

// parseStatement handles one of: graph/node/edge default statements, a bare
// graph attribute (name = value), a node statement, or an edge chain.
func (p *dotParser) parseStatement(graph *Graph) error {
	first := p.next()

	if first.kind == tokenIdent {
		switch first.text {
		case "graph":
			attrs, err := p.parseAttrList()
			if err != nil {
				return err
			}
			for k, v := range attrs {
				graph.Attrs[k] = v
			}
			return nil
		case "node":
			attrs, err := p.parseAttrList()
			if err != nil {
				return err
			}
			for k, v := range attrs {
				p.nodeDefaults[k] = v
			}
			return nil
		case "edge":
			attrs, err := p.parseAttrList()
			if err != nil {
				return err
			}
			for k, v := range attrs {
				p.edgeDefaults[k] = v
			}
			return nil
		}
	}

	// name = value is a graph attribute.
	if t := p.peek(); t.kind == tokenSymbol && t.text == "=" {
		p.next()
		vt := p.next()
		if vt.kind != tokenIdent && vt.kind != tokenString {
			return p.errf(vt, "expected attribute value, got %q", vt.text)
		}
		graph.Attrs[first.text] = vt.text
		return nil
	}

	// Edge chain: id (-> id)+ [attrs].
	if t := p.peek(); t.kind == tokenArrow {
		ids := []string{first.text}
		for p.peek().kind == tokenArrow {
			p.next()
			nt := p.next()
			if nt.kind != tokenIdent && nt.kind != tokenString {
				return p.errf(nt, "expected node id after ->, got %q", nt.text)
			}
			ids = append(ids, nt.text)
		}
		var attrs map[string]string
		if p.peek().kind == tokenSymbol && p.peek().text == "[" {
			var err error
			attrs, err = p.parseAttrList()
			if err != nil {
				return err
			}
		}
		for i := 0; i+1 < len(ids); i++ {
			edge := &Edge{From: ids[i], To: ids[i+1], Attrs: make(map[string]string)}
			for k, v := range p.edgeDefaults {
				edge.Attrs[k] = v
			}
			for k, v := range attrs {
				edge.Attrs[k] = v
			}
			graph.AddEdge(edge)
		}
		return nil
	}

	// Node statement.
	node := &Node{ID: first.text, Attrs: make(map[string]string)}
	for k, v := range p.nodeDefaults {
		node.Attrs[k] = v
	}
	if p.peek().kind == tokenSymbol && p.peek().text == "[" {
		attrs, err := p.parseAttrList()
		if err != nil {
			return err
		}
		for k, v := range attrs {
			node.Attrs[k] = v
		}
	}
	graph.AddNode(node)
	return nil
}

// parseAttrList consumes "[ key = value (, | ;)? ... ]".
func (p *dotParser) parseAttrList() (map[string]string, error) {
	if err := p.expectSymbol("["); err != nil {
		return nil, err
	}
	attrs := make(map[string]string)
	for {
		t := p.next()
		if t.kind == tokenSymbol && t.text == "]" {
			return attrs, nil
		}
		if t.kind == tokenSymbol && (t.text == "," || t.text == ";") {
			continue
		}
		if t.kind != tokenIdent && t.kind != tokenString {
			return nil, p.errf(t, "expected attribute name, got %q", t.text)
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		vt := p.next()
		if vt.kind != tokenIdent && vt.kind != tokenString {
			return nil, p.errf(vt, "expected attribute value, got %q", vt.text)
		}
		attrs[t.text] = vt.text
	}
}
