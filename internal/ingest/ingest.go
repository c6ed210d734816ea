// Package ingest turns a directory of case documents into the single text
// blob the case normalizer reads.
package ingest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

type Result struct {
	Text  string
	Dir   string   // directory the text came from
	Files []string // documents that contributed text
}

// Load reads the primary directory, falling back to the secondary one when
// the primary is missing or yields no text. An empty Text means neither
// directory had usable documents.
func Load(primary, fallback string, logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}
	res := LoadDir(primary, logger)
	if strings.TrimSpace(res.Text) == "" && fallback != "" && fallback != primary {
		logger.Debug("no documents in primary input dir, trying fallback",
			slog.String("dir", primary),
			slog.String("fallback", fallback),
		)
		res = LoadDir(fallback, logger)
	}
	return res
}

// LoadDir concatenates every .pdf, .txt and .md file in dir, sorted by name,
// each under a "--- Document: <name> ---" header. Unreadable files and
// files without text are skipped.
func LoadDir(dir string, logger *slog.Logger) Result {
	res := Result{Dir: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return res
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		path := filepath.Join(dir, name)
		var text string
		switch strings.ToLower(filepath.Ext(name)) {
		case ".pdf":
			text, err = ExtractPDF(path)
		case ".txt", ".md":
			var data []byte
			data, err = os.ReadFile(path)
			text = string(data)
		default:
			continue
		}
		if err != nil {
			logger.Warn("skipping unreadable document", slog.String("file", path), slog.Any("error", err))
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		fmt.Fprintf(&b, "\n\n--- Document: %s ---\n\n%s", name, text)
		res.Files = append(res.Files, name)
	}

	res.Text = strings.TrimSpace(b.String())
	return res
}

// ExtractPDF returns the plain text of every page, one page per line group.
// Pages that fail to decode are skipped.
func ExtractPDF(path string) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("malformed pdf %s: %v", filepath.Base(path), p)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var parts []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		t, err := pageText(page)
		if err != nil || strings.TrimSpace(t) == "" {
			continue
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, "\n"), nil
}

func pageText(page pdf.Page) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("page decode: %v", p)
		}
	}()
	return page.GetPlainText(nil)
}
