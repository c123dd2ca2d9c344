package converter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/sofatutor/mdresponsefilter/internal/mdconfig"
)

// HTMLConverter is the default, in-process Converter implementation. It is
// deliberately simple: a real deployment is expected to swap in whatever
// conversion engine it prefers behind the Converter interface.
type HTMLConverter struct{}

// NewHTMLConverter constructs the default converter.
func NewHTMLConverter() *HTMLConverter { return &HTMLConverter{} }

// Convert tokenizes html input with golang.org/x/net/html and renders a
// Markdown rendition, honoring opts.Timeout via ctx and recovering from
// any panic in the renderer so it surfaces as a system error rather than
// crossing the component boundary.
func (c *HTMLConverter) Convert(ctx context.Context, input []byte, opts Options) (artifact *Artifact, err error) {
	type result struct {
		artifact *Artifact
		err      error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{artifact: errArtifact(ErrInternal, fmt.Sprintf("panic: %v", r))}
			}
		}()
		done <- result{artifact: c.convertSync(input, opts)}
	}()

	select {
	case <-ctx.Done():
		return errArtifact(ErrTimeout, "conversion exceeded configured timeout"), nil
	case res := <-done:
		return res.artifact, res.err
	}
}

func (c *HTMLConverter) convertSync(input []byte, opts Options) *Artifact {
	root, err := html.Parse(bytes.NewReader(input))
	if err != nil {
		return errArtifact(ErrParse, err.Error())
	}

	var buf bytes.Buffer
	if opts.FrontMatter {
		writeFrontMatter(&buf, opts)
	}

	rend := &renderer{buf: &buf, gfm: opts.Flavor == mdconfig.FlavorGFM, baseURL: opts.BaseURL}
	rend.visit(root)
	md := strings.TrimLeft(buf.String(), "\n")
	md = collapseBlankLines(md)
	md = strings.TrimRight(md, "\n") + "\n"

	artifact := &Artifact{Markdown: []byte(md)}
	if opts.GenerateETag {
		sum := sha256.Sum256(artifact.Markdown)
		artifact.ETag = []byte(`"` + hex.EncodeToString(sum[:]) + `"`)
	}
	if opts.EstimateTokens {
		artifact.TokenEstimate = estimateTokens(md)
	}
	return artifact
}

func errArtifact(code ErrorCode, msg string) *Artifact {
	return &Artifact{ErrorCode: code, ErrorMessage: msg}
}

// estimateTokens counts tokens in the produced Markdown using a
// cl100k-family encoding resolved via tiktoken-go. A failure to resolve
// the encoding degrades to zero rather than failing the conversion.
func estimateTokens(markdown string) int {
	enc, err := tiktoken.EncodingForModel("gpt-3.5-turbo")
	if err != nil {
		return 0
	}
	return len(enc.Encode(markdown, nil, nil))
}

func writeFrontMatter(buf *bytes.Buffer, opts Options) {
	buf.WriteString("---\n")
	if opts.BaseURL != "" {
		fmt.Fprintf(buf, "source: %s\n", opts.BaseURL)
	}
	buf.WriteString("---\n\n")
}

func collapseBlankLines(md string) string {
	for strings.Contains(md, "\n\n\n") {
		md = strings.ReplaceAll(md, "\n\n\n", "\n\n")
	}
	return md
}

// renderer walks a parsed HTML tree and writes a Markdown rendition. It
// covers the common block/inline elements a converted article needs;
// unrecognized elements fall through to their text content.
type renderer struct {
	buf          *bytes.Buffer
	gfm          bool
	baseURL      string
	orderedIndex []int
}

func (r *renderer) visit(n *html.Node) {
	switch n.Type {
	case html.DocumentNode:
		r.visitChildren(n)
		return
	case html.TextNode:
		r.writeText(n.Data)
		return
	case html.ElementNode:
		r.visitElement(n)
		return
	default:
		r.visitChildren(n)
	}
}

func (r *renderer) visitChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.visit(c)
	}
}

func (r *renderer) visitElement(n *html.Node) {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Head, atom.Noscript:
		return
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.DataAtom - atom.H1 + 1)
		r.buf.WriteString("\n" + strings.Repeat("#", level) + " ")
		r.visitChildren(n)
		r.buf.WriteString("\n\n")
	case atom.P, atom.Div:
		r.buf.WriteString("\n")
		r.visitChildren(n)
		r.buf.WriteString("\n\n")
	case atom.Br:
		r.buf.WriteString("\n")
	case atom.Hr:
		r.buf.WriteString("\n---\n\n")
	case atom.Strong, atom.B:
		r.buf.WriteString("**")
		r.visitChildren(n)
		r.buf.WriteString("**")
	case atom.Em, atom.I:
		r.buf.WriteString("*")
		r.visitChildren(n)
		r.buf.WriteString("*")
	case atom.Code:
		r.buf.WriteString("`")
		r.visitChildren(n)
		r.buf.WriteString("`")
	case atom.Pre:
		r.buf.WriteString("\n```\n")
		r.visitChildren(n)
		r.buf.WriteString("\n```\n\n")
	case atom.A:
		href := attr(n, "href")
		r.buf.WriteString("[")
		r.visitChildren(n)
		r.buf.WriteString("](" + resolveHref(r.baseURL, href) + ")")
	case atom.Img:
		alt := attr(n, "alt")
		src := attr(n, "src")
		r.buf.WriteString("![" + alt + "](" + resolveHref(r.baseURL, src) + ")")
	case atom.Ul:
		r.orderedIndex = append(r.orderedIndex, -1)
		r.visitChildren(n)
		r.orderedIndex = r.orderedIndex[:len(r.orderedIndex)-1]
		r.buf.WriteString("\n")
	case atom.Ol:
		r.orderedIndex = append(r.orderedIndex, 0)
		r.visitChildren(n)
		r.orderedIndex = r.orderedIndex[:len(r.orderedIndex)-1]
		r.buf.WriteString("\n")
	case atom.Li:
		r.writeListItem(n)
	case atom.Blockquote:
		r.buf.WriteString("\n> ")
		r.visitChildren(n)
		r.buf.WriteString("\n\n")
	case atom.Table:
		if r.gfm {
			r.writeTable(n)
			return
		}
		r.visitChildren(n)
	default:
		r.visitChildren(n)
	}
}

func (r *renderer) writeListItem(n *html.Node) {
	indent := strings.Repeat("  ", max0(len(r.orderedIndex)-1))
	if len(r.orderedIndex) > 0 && r.orderedIndex[len(r.orderedIndex)-1] >= 0 {
		r.orderedIndex[len(r.orderedIndex)-1]++
		fmt.Fprintf(r.buf, "%s%d. ", indent, r.orderedIndex[len(r.orderedIndex)-1])
	} else {
		r.buf.WriteString(indent + "- ")
	}
	r.visitChildren(n)
	r.buf.WriteString("\n")
}

// writeTable renders a GFM pipe table from a parsed <table>, assuming the
// first row is the header. Malformed tables degrade to their text content.
func (r *renderer) writeTable(n *html.Node) {
	rows := tableRows(n)
	if len(rows) == 0 {
		r.visitChildren(n)
		return
	}
	r.buf.WriteString("\n")
	for i, row := range rows {
		r.buf.WriteString("|")
		for _, cell := range row {
			r.buf.WriteString(" ")
			var cellBuf bytes.Buffer
			cr := &renderer{buf: &cellBuf, gfm: r.gfm, baseURL: r.baseURL}
			cr.visitChildren(cell)
			r.buf.WriteString(strings.TrimSpace(strings.ReplaceAll(cellBuf.String(), "\n", " ")))
			r.buf.WriteString(" |")
		}
		r.buf.WriteString("\n")
		if i == 0 {
			r.buf.WriteString("|")
			for range row {
				r.buf.WriteString(" --- |")
			}
			r.buf.WriteString("\n")
		}
	}
	r.buf.WriteString("\n")
}

func tableRows(n *html.Node) [][]*html.Node {
	var rows [][]*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.Tr {
				var cells []*html.Node
				for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
					if cc.Type == html.ElementNode && (cc.DataAtom == atom.Td || cc.DataAtom == atom.Th) {
						cells = append(cells, cc)
					}
				}
				if len(cells) > 0 {
					rows = append(rows, cells)
				}
				continue
			}
			walk(c)
		}
	}
	walk(n)
	return rows
}

func (r *renderer) writeText(s string) {
	s = collapseSpace(s)
	if s == "" {
		return
	}
	r.buf.WriteString(s)
}

func collapseSpace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Join(fields, " ")
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func resolveHref(base, href string) string {
	if base == "" || href == "" {
		return href
	}
	if strings.Contains(href, "://") || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") {
		return href
	}
	baseTrimmed := strings.TrimSuffix(base, "/")
	if strings.HasPrefix(href, "/") {
		if idx := strings.Index(baseTrimmed, "://"); idx >= 0 {
			if slash := strings.Index(baseTrimmed[idx+3:], "/"); slash >= 0 {
				return baseTrimmed[:idx+3+slash] + href
			}
		}
		return baseTrimmed + href
	}
	return baseTrimmed + "/" + href
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
