// Package export renders a populated story bible into downloadable formats.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatPDF      = "pdf"
	FormatDOCX     = "docx"
	FormatHTML     = "html"
)

var ErrUnsupportedFormat = &svcerr.Error{Kind: svcerr.KindValidation, Message: "unsupported export format"}

var mediaTypes = map[string]string{
	FormatMarkdown: "text/markdown; charset=utf-8",
	FormatJSON:     "application/json",
	FormatPDF:      "application/pdf",
	FormatDOCX:     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	FormatHTML:     "text/html; charset=utf-8",
}

var extensions = map[string]string{
	FormatMarkdown: "md",
	FormatJSON:     "json",
	FormatPDF:      "pdf",
	FormatDOCX:     "docx",
	FormatHTML:     "html",
}

var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func markdownRenderer() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownInstance
}

func normalize(format string) string {
	return strings.ToLower(strings.TrimSpace(format))
}

func Supported(format string) bool {
	_, ok := mediaTypes[normalize(format)]
	return ok
}

func CheckFormat(format string) error {
	if !Supported(format) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return nil
}

func MediaType(format string) string {
	if mt, ok := mediaTypes[normalize(format)]; ok {
		return mt
	}
	return "application/octet-stream"
}

func FileExtension(format string) string {
	if ext, ok := extensions[normalize(format)]; ok {
		return ext
	}
	return "bin"
}

type Renderer struct{}

// Render filters doc to sections (matched case-insensitively against
// top-level keys; none means everything) and encodes it. pdf and docx are
// emitted as markdown until a real document backend exists.
func (Renderer) Render(doc map[string]any, format string, sections []string) ([]byte, error) {
	if err := CheckFormat(format); err != nil {
		return nil, err
	}
	payload := filterSections(doc, sections)

	switch normalize(format) {
	case FormatJSON:
		return renderJSON(payload)
	case FormatHTML:
		return renderHTML(payload)
	default:
		return []byte(Markdown(payload)), nil
	}
}

func filterSections(doc map[string]any, sections []string) map[string]any {
	if len(sections) == 0 {
		return doc
	}
	allowed := make(map[string]struct{}, len(sections))
	for _, s := range sections {
		allowed[strings.ToLower(s)] = struct{}{}
	}
	out := make(map[string]any)
	for key, value := range doc {
		if _, ok := allowed[strings.ToLower(key)]; ok {
			out[key] = value
		}
	}
	return out
}

func renderJSON(doc map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func renderHTML(doc map[string]any) ([]byte, error) {
	var body bytes.Buffer
	if err := markdownRenderer().Convert([]byte(Markdown(doc)), &body); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	var out bytes.Buffer
	out.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>")
	out.WriteString(html.EscapeString(text(doc, "title", "Untitled Story")))
	out.WriteString("</title>\n</head>\n<body>\n")
	out.Write(body.Bytes())
	out.WriteString("</body>\n</html>\n")
	return out.Bytes(), nil
}

// Markdown renders the human-readable outline of a story bible.
func Markdown(doc map[string]any) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("# %s", text(doc, "title", "Untitled Story"))
	line("")
	line("**Genre:** %s", text(doc, "genre", "Unknown"))
	if v := text(doc, "premise", ""); v != "" {
		line("")
		line("**Premise:** %s", v)
	}
	if v := text(doc, "logline", ""); v != "" {
		line("")
		line("**Logline:** %s", v)
	}

	if themes := list(doc["themes"]); len(themes) > 0 {
		line("")
		line("## Themes")
		line("")
		for _, theme := range themes {
			line("- %v", theme)
		}
	}

	if characters := objects(doc["characters"]); len(characters) > 0 {
		line("")
		line("## Characters")
		for _, c := range characters {
			line("")
			line("### %s", text(c, "name", "Unnamed Character"))
			line("")
			line("Role: %s", text(c, "role", "unknown"))
			if v := text(c, "background", ""); v != "" {
				line("Background: %s", v)
			}
			if v := text(c, "motivation", ""); v != "" {
				line("Motivation: %s", v)
			}
		}
	}

	if scenes := objects(doc["scenes"]); len(scenes) > 0 {
		sort.SliceStable(scenes, func(i, j int) bool {
			return number(scenes[i]["sequence_number"]) < number(scenes[j]["sequence_number"])
		})
		line("")
		line("## Scenes")
		for _, s := range scenes {
			line("")
			line("### %s. %s", text(s, "sequence_number", "?"), text(s, "title", "Untitled Scene"))
			line("")
			line("Location: %s - %s", text(s, "location", "Unknown"), text(s, "time_of_day", "Unknown"))
			if v := text(s, "scene_purpose", ""); v != "" {
				line("Purpose: %s", v)
			}
			if v := text(s, "description", ""); v != "" {
				line("")
				line("%s", v)
			}
		}
	}

	if threads := objects(doc["plot_threads"]); len(threads) > 0 {
		line("")
		line("## Plot Threads")
		for _, t := range threads {
			line("")
			line("### %s", text(t, "thread_name", "Unnamed Thread"))
			line("")
			line("Type: %s", text(t, "thread_type", "unknown"))
			if v := text(t, "description", ""); v != "" {
				line("")
				line("%s", v)
			}
		}
	}

	return b.String()
}

func text(doc map[string]any, key, fallback string) string {
	v, ok := doc[key]
	if !ok || v == nil {
		return fallback
	}
	s := fmt.Sprint(v)
	if s == "" {
		return fallback
	}
	return s
}

func list(v any) []any {
	items, _ := v.([]any)
	return items
}

func objects(v any) []map[string]any {
	items := list(v)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}
