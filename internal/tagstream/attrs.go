package tagstream

import (
	"encoding/json"
	"errors"
	"path"
	"strings"
)

// entityDecoder undoes the minimal escaping models apply inside attribute
// values. Single pass, so already-decoded text is not decoded twice.
var entityDecoder = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
	"&amp;", "&",
)

func decodeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return entityDecoder.Replace(s)
}

// parseAttrs extracts key="value" / key='value' pairs from the inside of an
// opening tag. Values are entity-decoded. Bare keys (no value) map to "".
// The scanner is deliberately forgiving: model output is not XML and a
// malformed trailing attribute must not take down the surrounding pairs.
func parseAttrs(raw string) map[string]string {
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "/"))
	out := map[string]string{}
	i := 0
	for i < len(raw) {
		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		start := i
		for i < len(raw) && isNameByte(raw[i]) {
			i++
		}
		key := raw[start:i]
		if key == "" {
			// Not a name byte; skip one byte to guarantee progress.
			i++
			continue
		}
		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		if i >= len(raw) || raw[i] != '=' {
			out[key] = ""
			continue
		}
		i++
		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		if i >= len(raw) {
			out[key] = ""
			break
		}
		quote := raw[i]
		if quote == '"' || quote == '\'' {
			i++
			end := strings.IndexByte(raw[i:], quote)
			if end < 0 {
				out[key] = decodeEntities(raw[i:])
				i = len(raw)
				break
			}
			out[key] = decodeEntities(raw[i : i+end])
			i += end + 1
			continue
		}
		end := i
		for end < len(raw) && !isSpace(raw[end]) {
			end++
		}
		out[key] = decodeEntities(raw[i:end])
		i = end
	}
	return out
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func isNameByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '_' || b == '-':
		return true
	}
	return false
}

// sanitizeFilePath normalizes a file path from a tag attribute. It returns the
// cleaned relative path, or an empty path plus a reason when the value must be
// rejected.
func sanitizeFilePath(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "empty path"
	}
	if strings.ContainsRune(raw, 0) {
		return "", "invalid path"
	}
	raw = strings.ReplaceAll(raw, "\\", "/")
	if strings.HasPrefix(raw, "/") {
		return "", "absolute path"
	}
	if len(raw) >= 2 && raw[1] == ':' && isNameByte(raw[0]) {
		return "", "absolute path"
	}
	clean := path.Clean(raw)
	if clean == "." || clean == "" {
		return "", "empty path"
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "path traversal"
	}
	return clean, ""
}

// parseArgsList parses an ordered JSON string array from the args attribute.
func parseArgsList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var args []string
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, errors.New("args is not a JSON string array")
	}
	return args, nil
}

// splitPackageList splits a packages attribute on whitespace and commas.
func splitPackageList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
