package artifacts

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"

	"design-job-queue/internal/models"
)

// BundleContentType is the MIME type of archives produced by Bundle.
const BundleContentType = "application/zip"

// Bundle packs generated code (and the design document, if any) into a zip with
// a standalone index.html that links styles.css and script.js.
func Bundle(code *models.CodeBundle, design []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)

	write := func(name string, data []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		return nil
	}

	if !code.Empty() {
		if err := write("index.html", []byte(standalonePage(code.HTML))); err != nil {
			return nil, err
		}
		if err := write("styles.css", []byte(code.CSS)); err != nil {
			return nil, err
		}
		if err := write("script.js", []byte(code.JS)); err != nil {
			return nil, err
		}
	}
	if len(design) > 0 {
		if err := write("design.json", design); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

func standalonePage(body string) string {
	if strings.Contains(strings.ToLower(body), "<html") {
		return body
	}
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	b.WriteString("<link rel=\"stylesheet\" href=\"styles.css\">\n</head>\n<body>\n")
	b.WriteString(body)
	b.WriteString("\n<script src=\"script.js\"></script>\n</body>\n</html>\n")
	return b.String()
}
