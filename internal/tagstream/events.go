package tagstream

// Event is the closed set of events produced by the Parser.
//
// Consumers switch on the concrete type; every type below is terminal and the
// set is not meant to grow without touching every dispatcher.
type Event interface {
	event()
}

// Text is plain assistant prose outside any tag scope.
type Text struct {
	Content string
}

// ThinkingStart opens a thinking scope.
type ThinkingStart struct{}

// ThinkingContent is a chunk of thinking text. Multiple ThinkingContent events
// may be emitted for one scope when the input arrives in pieces.
type ThinkingContent struct {
	Content string
}

// ThinkingEnd closes a thinking scope.
type ThinkingEnd struct{}

// SandboxStart opens a sandbox scope for the named project.
type SandboxStart struct {
	Project string
}

// SandboxEnd closes a sandbox scope. Synthesized is true when the closing tag
// never arrived and Flush balanced the scope on the model's behalf.
type SandboxEnd struct {
	Synthesized bool
}

// FileStart opens a file scope. Path is sanitized: relative, slash-separated,
// no traversal.
type FileStart struct {
	Path string
}

// FileContent is a chunk of file body for the currently open file scope.
type FileContent struct {
	Path    string
	Content string
}

// FileEnd closes a file scope. Synthesized is true when Flush closed it.
type FileEnd struct {
	Path        string
	Synthesized bool
}

// InstallPackages requests installation of the listed packages.
type InstallPackages struct {
	Packages []string
}

// Command requests execution of a named command with ordered arguments.
type Command struct {
	Name string
	Args []string
}

// WebSearch requests a web search for Query.
type WebSearch struct {
	Query string
}

// URLScrape requests fetching and text-extracting the given URL.
type URLScrape struct {
	URL string
}

// Done signals the model considers the task complete.
type Done struct{}

// Malformed reports a protocol-level error in the model output. Parsing
// continues; the surrounding content is treated as plain text.
type Malformed struct {
	Tag    string
	Reason string
}

func (Text) event()            {}
func (ThinkingStart) event()   {}
func (ThinkingContent) event() {}
func (ThinkingEnd) event()     {}
func (SandboxStart) event()    {}
func (SandboxEnd) event()      {}
func (FileStart) event()       {}
func (FileContent) event()     {}
func (FileEnd) event()         {}
func (InstallPackages) event() {}
func (Command) event()         {}
func (WebSearch) event()       {}
func (URLScrape) event()       {}
func (Done) event()            {}
func (Malformed) event()       {}
