package artifacts

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"design-job-queue/internal/models"
)

func TestSanitizeKey(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{in: "jobs/a/bundle.zip", want: "jobs/a/bundle.zip"},
		{in: "/jobs/a/bundle.zip", want: "jobs/a/bundle.zip"},
		{in: "../../etc/passwd", want: "etc/passwd"},
		{in: "./jobs/../jobs/x.zip", want: "jobs/x.zip"},
		{in: "", want: ""},
	}
	for _, tc := range cases {
		if got := SanitizeKey(tc.in); got != tc.want {
			t.Errorf("SanitizeKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLocalStorePut(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)

	ref, err := store.Put(context.Background(), "../jobs/j1/bundle.zip", []byte("zip"), BundleContentType)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") {
		t.Fatalf("unexpected reference %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(dir, "jobs", "j1", "bundle.zip"))
	if err != nil {
		t.Fatalf("artifact not written inside base dir: %v", err)
	}
	if string(data) != "zip" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestBundle(t *testing.T) {
	code := &models.CodeBundle{HTML: "<h1>Hi</h1>", CSS: "h1{color:red}", JS: "console.log(1)"}
	raw, err := Bundle(code, []byte(`{"frames":[]}`))
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	files := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		body, _ := io.ReadAll(rc)
		rc.Close()
		files[f.Name] = string(body)
	}

	for _, name := range []string{"index.html", "styles.css", "script.js", "design.json"} {
		if _, ok := files[name]; !ok {
			t.Fatalf("missing %s in bundle", name)
		}
	}
	if !strings.Contains(files["index.html"], `href="styles.css"`) || !strings.Contains(files["index.html"], "<h1>Hi</h1>") {
		t.Fatalf("index.html not wrapped: %s", files["index.html"])
	}
}

func TestBundleKeepsFullDocument(t *testing.T) {
	doc := "<!DOCTYPE html><html><body>x</body></html>"
	raw, err := Bundle(&models.CodeBundle{HTML: doc}, nil)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	zr, _ := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	for _, f := range zr.File {
		if f.Name == "design.json" {
			t.Fatalf("design.json should be absent without a design")
		}
		if f.Name != "index.html" {
			continue
		}
		rc, _ := f.Open()
		body, _ := io.ReadAll(rc)
		rc.Close()
		if string(body) != doc {
			t.Fatalf("full html document was rewritten: %s", body)
		}
	}
}
