// Package depresolve validates package install requests against the npm
// registry before they reach the sandbox. Unknown packages come back with
// suggested alternatives when a well-known rename applies.
package depresolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	npmRegistryBase = "https://registry.npmjs.org"
	maxBodyBytes    = 1 << 20
)

// knownRenames maps packages the model keeps asking for to their current
// names on the registry.
var knownRenames = map[string][]string{
	"node-sass":            {"sass"},
	"request":              {"node-fetch", "axios"},
	"babel-core":           {"@babel/core"},
	"babel-preset-env":     {"@babel/preset-env"},
	"tslint":               {"eslint", "typescript-eslint"},
	"moment":               {"dayjs", "date-fns"},
	"react-scripts-ts":     {"react-scripts"},
	"vue-cli":              {"@vue/cli"},
	"material-ui":          {"@mui/material"},
	"@material-ui/core":    {"@mui/material"},
	"styled-components-ts": {"styled-components"},
}

type ResolvedPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Result struct {
	Resolved              []ResolvedPackage   `json:"resolved"`
	Failed                []string            `json:"failed,omitempty"`
	SuggestedAlternatives map[string][]string `json:"suggested_alternatives,omitempty"`
}

// RenderForModel flattens the outcome into the text the agent reads back.
func (r Result) RenderForModel() string {
	var b strings.Builder
	for _, p := range r.Resolved {
		fmt.Fprintf(&b, "installed %s@%s\n", p.Name, p.Version)
	}
	for _, name := range r.Failed {
		fmt.Fprintf(&b, "failed %s: not found on registry", name)
		if alts := r.SuggestedAlternatives[name]; len(alts) > 0 {
			fmt.Fprintf(&b, " (try %s)", strings.Join(alts, " or "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

type Options struct {
	// RegistryBase overrides the npm registry URL, used in tests.
	RegistryBase string
	HTTPClient   *http.Client
}

type Resolver struct {
	base string
	http *http.Client
}

func New(opts Options) *Resolver {
	base := strings.TrimRight(strings.TrimSpace(opts.RegistryBase), "/")
	if base == "" {
		base = npmRegistryBase
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{base: base, http: httpClient}
}

// Resolve checks every requested package against the registry. One bad
// package never fails the batch; it lands in Failed with alternatives when a
// rename is known.
func (r *Resolver) Resolve(ctx context.Context, packages []string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	out := Result{}
	seen := map[string]bool{}
	for _, raw := range packages {
		name, spec := splitVersionSpec(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		version, err := r.latestVersion(ctx, name)
		if err != nil {
			var notFound *notFoundError
			if errors.As(err, &notFound) {
				out.Failed = append(out.Failed, name)
				if alts := knownRenames[name]; len(alts) > 0 {
					if out.SuggestedAlternatives == nil {
						out.SuggestedAlternatives = map[string][]string{}
					}
					out.SuggestedAlternatives[name] = alts
				}
				continue
			}
			return Result{}, fmt.Errorf("resolve %s: %w", name, err)
		}
		if spec != "" {
			version = spec
		}
		out.Resolved = append(out.Resolved, ResolvedPackage{Name: name, Version: version})
	}
	if len(out.Resolved) == 0 && len(out.Failed) == 0 {
		return Result{}, errors.New("no packages requested")
	}
	return out, nil
}

type notFoundError struct{ name string }

func (e *notFoundError) Error() string { return "package not found: " + e.name }

type registryPackage struct {
	Version string `json:"version"`
}

func (r *Resolver) latestVersion(ctx context.Context, name string) (string, error) {
	endpoint := r.base + "/" + url.PathEscape(name) + "/latest"
	// Scoped names keep their slash; PathEscape would mangle @scope/pkg.
	if strings.HasPrefix(name, "@") {
		endpoint = r.base + "/" + strings.Replace(url.PathEscape(name), "%2F", "/", 1) + "/latest"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", &notFoundError{name: name}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("registry status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	var decoded registryPackage
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", errors.New("invalid registry response")
	}
	version := strings.TrimSpace(decoded.Version)
	if version == "" {
		return "", errors.New("registry response missing version")
	}
	return version, nil
}

// splitVersionSpec splits "pkg@1.2.3" into name and spec, keeping the leading
// @ of scoped packages intact.
func splitVersionSpec(raw string) (name string, spec string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	at := strings.LastIndexByte(raw, '@')
	if at <= 0 {
		return raw, ""
	}
	return strings.TrimSpace(raw[:at]), strings.TrimSpace(raw[at+1:])
}
