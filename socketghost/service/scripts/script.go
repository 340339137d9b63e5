package scripts

import (
	"bytes"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/go-appsec/interceptor/socketghost/config"
	"github.com/go-appsec/interceptor/socketghost/protocol"
)

// Script is a compiled match/replace script.
type Script struct {
	ID      string
	Name    string
	Type    string
	IsRegex bool
	Match   string
	Replace string

	compiled *regexp.Regexp
}

// Compile validates a definition and prepares it for execution.
func Compile(def config.ScriptDefinition) (Script, error) {
	s := Script{
		ID:      def.ID,
		Name:    def.Name,
		Type:    def.Type,
		IsRegex: def.IsRegex,
		Match:   def.Match,
		Replace: def.Replace,
	}
	switch s.Type {
	case config.ScriptRequestHeader, config.ScriptRequestBody, config.ScriptResponseHeader, config.ScriptResponseBody:
	default:
		return Script{}, fmt.Errorf("invalid script type: %q", s.Type)
	}
	if s.IsRegex && s.Match != "" {
		var err error
		if s.compiled, err = regexp.Compile(s.Match); err != nil {
			return Script{}, fmt.Errorf("invalid regex pattern: %w", err)
		}
	}
	return s, nil
}

func (s Script) requestPhase() bool {
	return s.Type == config.ScriptRequestHeader || s.Type == config.ScriptRequestBody
}

// Apply runs the script against flow in place and reports whether it changed.
// Header scripts see headers as "Name: Value\r\n" text and match literals
// case-insensitively; body scripts see the text preview and are case-sensitive.
// Body scripts skip empty bodies.
func (s Script) Apply(flow *protocol.FlowRecord) bool {
	switch s.Type {
	case config.ScriptRequestHeader:
		return s.applyHeaders(&flow.Headers)
	case config.ScriptResponseHeader:
		return s.applyHeaders(&flow.ResponseHeaders)
	case config.ScriptRequestBody:
		return s.applyBody(&flow.BodyPreview)
	case config.ScriptResponseBody:
		return s.applyBody(&flow.ResponseBody)
	}
	return false
}

func (s Script) applyHeaders(headers *map[string]string) bool {
	original := headerText(*headers)
	modified := s.matchReplace(original, true)
	if bytes.Equal(modified, original) {
		return false
	}
	*headers = parseHeaderText(modified)
	return true
}

func (s Script) applyBody(body *string) bool {
	if *body == "" {
		return false
	}
	modified := string(s.matchReplace([]byte(*body), false))
	if modified == *body {
		return false
	}
	*body = modified
	return true
}

// matchReplace applies the script to input. An empty Match appends Replace,
// on a new line for header text.
func (s Script) matchReplace(input []byte, header bool) []byte {
	if s.Match == "" {
		out := slices.Clone(input)
		if header && len(out) > 0 && !bytes.HasSuffix(out, []byte("\r\n")) {
			out = append(out, '\r', '\n')
		}
		return append(out, s.Replace...)
	}

	if s.IsRegex {
		return s.compiled.ReplaceAll(input, []byte(s.Replace))
	} else if header {
		return replaceCaseInsensitive(input, s.Match, s.Replace)
	}
	return bytes.ReplaceAll(input, []byte(s.Match), []byte(s.Replace))
}

// replaceCaseInsensitive replaces all occurrences of match in input, case-insensitively.
func replaceCaseInsensitive(input []byte, match, replace string) []byte {
	inputLower := bytes.ToLower(input)
	matchLower := bytes.ToLower([]byte(match))
	if len(inputLower) != len(input) || len(matchLower) != len(match) {
		// lowering changed byte offsets, only an exact match is safe
		return bytes.ReplaceAll(input, []byte(match), []byte(replace))
	}

	var result []byte
	start := 0
	for {
		idx := bytes.Index(inputLower[start:], matchLower)
		if idx < 0 {
			result = append(result, input[start:]...)
			break
		}
		result = append(result, input[start:start+idx]...)
		result = append(result, replace...)
		start += idx + len(match)
	}
	return result
}

// headerText renders headers as "Name: Value\r\n" lines in name order.
func headerText(headers map[string]string) []byte {
	var buf bytes.Buffer
	for _, name := range slices.Sorted(maps.Keys(headers)) {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(headers[name])
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// parseHeaderText parses "Name: Value" lines, skipping lines without a colon.
// A repeated name keeps the last value.
func parseHeaderText(text []byte) map[string]string {
	headers := make(map[string]string)
	for line := range strings.SplitSeq(string(text), "\n") {
		line = strings.TrimSuffix(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers
}
