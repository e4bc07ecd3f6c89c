package generator

import (
	"regexp"
	"strings"

	"design-job-queue/internal/models"
)

var fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \\t]*\\r?\\n(.*?)```")

// ParseCode extracts fenced html, css and js blocks from model output. Text outside
// the fences is returned as the message. Repeated blocks of one language are joined.
func ParseCode(text string) (models.CodeBundle, string) {
	var code models.CodeBundle
	var html, css, js []string

	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[2])
		if body == "" {
			continue
		}
		switch strings.ToLower(m[1]) {
		case "html", "htm", "xml":
			html = append(html, body)
		case "css", "scss":
			css = append(css, body)
		case "js", "javascript", "jsx", "mjs":
			js = append(js, body)
		}
	}
	code.HTML = strings.Join(html, "\n")
	code.CSS = strings.Join(css, "\n")
	code.JS = strings.Join(js, "\n")

	message := strings.TrimSpace(fencePattern.ReplaceAllString(text, ""))
	return code, message
}
