package tagstream

import (
	"strings"
)

// Parser turns an incrementally arriving model text stream into typed events.
//
// It is a pure state machine: Process never blocks, never performs I/O, and
// never returns an error. Malformed input degrades to a Malformed event and
// parsing continues. One Parser instance serves exactly one model turn; the
// agent loop allocates a fresh instance per turn so no state leaks across
// turns even though Flush resets the machine.
type Parser struct {
	mode mode
	buf  string

	filePath string
}

type mode int

const (
	modeText mode = iota
	modeThinking
	modeSandbox
	modeFile
)

// maxTagScan caps how far the parser buffers while waiting for an opening
// tag's terminating '>'. Past the cap the '<' is treated as literal text so a
// runaway unterminated tag cannot grow the retained buffer without bound.
const maxTagScan = 16 << 10

const (
	tagThinkingOpen  = "<Thinking>"
	tagThinkingClose = "</Thinking>"
	tagSandboxClose  = "</edward_sandbox>"
	tagFileClose     = "</file>"

	prefixSandboxOpen = "<edward_sandbox"
	prefixFileOpen    = "<file"
	prefixInstall     = "<install"
	prefixCommand     = "<command"
	prefixWebSearch   = "<web_search"
	prefixURLScrape   = "<url_scrape"
	prefixDone        = "<done"
)

type markerID int

const (
	mkThinkingOpen markerID = iota
	mkThinkingClose
	mkSandboxOpen
	mkSandboxClose
	mkFileOpen
	mkFileClose
	mkInstall
	mkCommand
	mkWebSearch
	mkURLScrape
	mkDone
)

type marker struct {
	id    markerID
	token string
	// exact markers match token verbatim; attribute markers match token as a
	// tag-name prefix followed by a boundary byte and run until '>'.
	exact bool
}

var (
	textMarkers = []marker{
		{id: mkThinkingOpen, token: tagThinkingOpen, exact: true},
		{id: mkSandboxOpen, token: prefixSandboxOpen},
		{id: mkCommand, token: prefixCommand},
		{id: mkWebSearch, token: prefixWebSearch},
		{id: mkURLScrape, token: prefixURLScrape},
		{id: mkDone, token: prefixDone},
	}
	thinkingMarkers = []marker{
		{id: mkThinkingClose, token: tagThinkingClose, exact: true},
	}
	sandboxMarkers = []marker{
		{id: mkSandboxClose, token: tagSandboxClose, exact: true},
		{id: mkFileOpen, token: prefixFileOpen},
		{id: mkInstall, token: prefixInstall},
		{id: mkCommand, token: prefixCommand},
		{id: mkWebSearch, token: prefixWebSearch},
		{id: mkURLScrape, token: prefixURLScrape},
		{id: mkDone, token: prefixDone},
	}
	fileMarkers = []marker{
		{id: mkFileClose, token: tagFileClose, exact: true},
		// A second file opening inside an open file scope is consumed and
		// ignored; only one file scope is open at a time.
		{id: mkFileOpen, token: prefixFileOpen},
	}
)

// New returns a Parser in text mode with an empty buffer.
func New() *Parser {
	return &Parser{}
}

// Process consumes one chunk and returns the ordered events it completes.
// Input split across chunk boundaries, including mid-tag, yields the same
// event stream as the unsplit input.
func (p *Parser) Process(chunk string) []Event {
	if chunk == "" {
		return nil
	}
	p.buf += chunk
	var out []Event
	for p.scan(&out) {
	}
	return out
}

// Flush emits any buffered content, synthesizes the end events required to
// balance still-open scopes, and resets the machine to text mode.
func (p *Parser) Flush() []Event {
	var out []Event
	rem := p.buf
	p.buf = ""

	switch p.mode {
	case modeText:
		if rem != "" {
			out = append(out, Text{Content: rem})
		}
	case modeThinking:
		if rem != "" {
			out = append(out, ThinkingContent{Content: rem})
		}
		out = append(out, ThinkingEnd{})
	case modeSandbox:
		if rem != "" {
			out = append(out, Text{Content: rem})
		}
		out = append(out, SandboxEnd{Synthesized: true})
	case modeFile:
		if rem != "" {
			out = append(out, FileContent{Path: p.filePath, Content: rem})
		}
		out = append(out, FileEnd{Path: p.filePath, Synthesized: true})
		out = append(out, SandboxEnd{Synthesized: true})
	}

	p.mode = modeText
	p.filePath = ""
	return out
}

type matchStatus int

const (
	matchNone matchStatus = iota
	matchPartial
	matchFull
)

// scan consumes from the front of the buffer. It returns true after a tag was
// applied (more input may be consumable), false when the buffer is exhausted
// or retained waiting for the rest of a split marker.
func (p *Parser) scan(out *[]Event) bool {
	markers := p.markers()
	i := 0
	for {
		j := strings.IndexByte(p.buf[i:], '<')
		if j < 0 {
			p.emitContent(out, p.buf)
			p.buf = ""
			return false
		}
		pos := i + j

		m, tagLen, inner, status := matchAt(p.buf, pos, markers)
		switch status {
		case matchNone:
			// Lone '<' not starting any marker reachable from this mode.
			i = pos + 1
		case matchPartial:
			if len(p.buf)-pos > maxTagScan {
				i = pos + 1
				continue
			}
			p.emitContent(out, p.buf[:pos])
			p.buf = p.buf[pos:]
			return false
		case matchFull:
			p.emitContent(out, p.buf[:pos])
			p.buf = p.buf[pos+tagLen:]
			p.apply(out, m.id, inner)
			return true
		}
	}
}

func (p *Parser) markers() []marker {
	switch p.mode {
	case modeThinking:
		return thinkingMarkers
	case modeSandbox:
		return sandboxMarkers
	case modeFile:
		return fileMarkers
	default:
		return textMarkers
	}
}

// matchAt tries every marker at buf[pos:]. A full match on any marker wins
// over partial matches on others. For attribute markers it returns the inner
// attribute text between the tag name and the closing '>'.
func matchAt(buf string, pos int, markers []marker) (marker, int, string, matchStatus) {
	rest := buf[pos:]
	partial := false
	for _, m := range markers {
		if m.exact {
			if strings.HasPrefix(rest, m.token) {
				return m, len(m.token), "", matchFull
			}
			if strings.HasPrefix(m.token, rest) {
				partial = true
			}
			continue
		}
		if len(rest) <= len(m.token) {
			if strings.HasPrefix(m.token, rest) {
				partial = true
			}
			continue
		}
		if !strings.HasPrefix(rest, m.token) {
			continue
		}
		boundary := rest[len(m.token)]
		if boundary != '>' && boundary != '/' && !isSpace(boundary) {
			continue
		}
		gt := strings.IndexByte(rest[len(m.token):], '>')
		if gt < 0 {
			partial = true
			continue
		}
		inner := rest[len(m.token) : len(m.token)+gt]
		return m, len(m.token) + gt + 1, inner, matchFull
	}
	if partial {
		return marker{}, 0, "", matchPartial
	}
	return marker{}, 0, "", matchNone
}

func (p *Parser) emitContent(out *[]Event, text string) {
	if text == "" {
		return
	}
	switch p.mode {
	case modeThinking:
		*out = append(*out, ThinkingContent{Content: text})
	case modeFile:
		*out = append(*out, FileContent{Path: p.filePath, Content: text})
	default:
		// Sandbox inter-tag prose is plain text from the consumer's view.
		*out = append(*out, Text{Content: text})
	}
}

func (p *Parser) apply(out *[]Event, id markerID, inner string) {
	switch id {
	case mkThinkingOpen:
		*out = append(*out, ThinkingStart{})
		p.mode = modeThinking

	case mkThinkingClose:
		*out = append(*out, ThinkingEnd{})
		p.mode = modeText

	case mkSandboxOpen:
		attrs := parseAttrs(inner)
		*out = append(*out, SandboxStart{Project: strings.TrimSpace(attrs["project"])})
		p.mode = modeSandbox

	case mkSandboxClose:
		*out = append(*out, SandboxEnd{})
		p.mode = modeText

	case mkFileOpen:
		if p.mode == modeFile {
			// Nested file opening: ignored, current scope stays open.
			return
		}
		attrs := parseAttrs(inner)
		clean, reason := sanitizeFilePath(attrs["path"])
		if reason != "" {
			*out = append(*out, Malformed{Tag: "file", Reason: reason})
			return
		}
		*out = append(*out, FileStart{Path: clean})
		p.mode = modeFile
		p.filePath = clean

	case mkFileClose:
		*out = append(*out, FileEnd{Path: p.filePath})
		p.mode = modeSandbox
		p.filePath = ""

	case mkInstall:
		attrs := parseAttrs(inner)
		pkgs := splitPackageList(attrs["packages"])
		if len(pkgs) == 0 {
			*out = append(*out, Malformed{Tag: "install", Reason: "missing packages"})
			return
		}
		*out = append(*out, InstallPackages{Packages: pkgs})

	case mkCommand:
		attrs := parseAttrs(inner)
		name := strings.TrimSpace(attrs["name"])
		if name == "" {
			*out = append(*out, Malformed{Tag: "command", Reason: "missing name"})
			return
		}
		args, err := parseArgsList(attrs["args"])
		if err != nil {
			*out = append(*out, Malformed{Tag: "command", Reason: err.Error()})
			return
		}
		*out = append(*out, Command{Name: name, Args: args})

	case mkWebSearch:
		attrs := parseAttrs(inner)
		query := strings.TrimSpace(attrs["query"])
		if query == "" {
			*out = append(*out, Malformed{Tag: "web_search", Reason: "missing query"})
			return
		}
		*out = append(*out, WebSearch{Query: query})

	case mkURLScrape:
		attrs := parseAttrs(inner)
		u := strings.TrimSpace(attrs["url"])
		if u == "" {
			*out = append(*out, Malformed{Tag: "url_scrape", Reason: "missing url"})
			return
		}
		*out = append(*out, URLScrape{URL: u})

	case mkDone:
		*out = append(*out, Done{})
	}
}
