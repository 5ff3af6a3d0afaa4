// Package pdf assembles the ordered page images of a completed answer copy
// into one PDF and writes a YAML manifest next to it.
package pdf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/examscan/internal/model"
)

// Writer emits PDFs into OutputDir. PageSize is a paper size name such as
// "A4" or "Letter"; empty means every page takes the size of its image.
type Writer struct {
	OutputDir string
	PageSize  string
}

// Emit writes one PDF page per image path, in order, and returns the final
// PDF path. Existing files are never overwritten. On error or cancellation
// nothing is left in OutputDir.
func (w *Writer) Emit(ctx context.Context, sessionID string, pages []string, meta model.ExamMetadata) (string, error) {
	if len(pages) == 0 {
		return "", errors.New("emit pdf: no pages")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	imp, err := w.importConfig()
	if err != nil {
		return "", err
	}

	tmpDir, err := os.MkdirTemp(w.OutputDir, ".emit-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	tmp := filepath.Join(tmpDir, "out.pdf")

	done := make(chan error, 1)
	go func() {
		done <- api.ImportImagesFile(pages, tmp, imp, nil)
	}()

	select {
	case <-ctx.Done():
		// pdfcpu cannot be interrupted; clean up once it returns
		go func() {
			<-done
			os.RemoveAll(tmpDir)
		}()
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			os.RemoveAll(tmpDir)
			return "", fmt.Errorf("import images: %w", err)
		}
	}
	defer os.RemoveAll(tmpDir)

	final, err := publish(tmp, filepath.Join(w.OutputDir, FileName(sessionID, meta)))
	if err != nil {
		return "", err
	}

	if err := writeManifest(final, sessionID, pages, meta); err != nil {
		slog.Warn("write manifest failed", "pdf", final, "error", err)
	}
	slog.Info("pdf emitted", "session_id", sessionID, "path", final, "pages", len(pages))
	return final, nil
}

func (w *Writer) importConfig() (*pdfcpu.Import, error) {
	if w.PageSize == "" {
		return pdfcpu.DefaultImportConfig(), nil
	}
	imp, err := api.Import(fmt.Sprintf("formsize:%s, position:c, scalefactor:1.0 rel", w.PageSize), types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("page size %q: %w", w.PageSize, err)
	}
	return imp, nil
}

// publish hard-links tmp to want, or to want_2, want_3, … when taken.
func publish(tmp, want string) (string, error) {
	ext := filepath.Ext(want)
	base := strings.TrimSuffix(want, ext)
	for i := 1; i < 1000; i++ {
		name := want
		if i > 1 {
			name = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		err := os.Link(tmp, name)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("publish pdf: %w", err)
		}
	}
	return "", fmt.Errorf("publish pdf: too many files named %s", filepath.Base(want))
}

// Manifest is the YAML sidecar describing an emitted PDF.
type Manifest struct {
	SessionID   string             `yaml:"session_id"`
	PDF         string             `yaml:"pdf"`
	GeneratedAt time.Time          `yaml:"generated_at"`
	Metadata    model.ExamMetadata `yaml:"metadata"`
	PageCount   int                `yaml:"page_count"`
	Pages       []string           `yaml:"pages"`
}

// ManifestPath returns the sidecar path for a PDF.
func ManifestPath(pdfPath string) string {
	return strings.TrimSuffix(pdfPath, filepath.Ext(pdfPath)) + ".yaml"
}

func writeManifest(pdfPath, sessionID string, pages []string, meta model.ExamMetadata) error {
	m := Manifest{
		SessionID:   sessionID,
		PDF:         filepath.Base(pdfPath),
		GeneratedAt: time.Now().UTC(),
		Metadata:    meta,
		PageCount:   len(pages),
	}
	for _, p := range pages {
		m.Pages = append(m.Pages, filepath.Base(p))
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(ManifestPath(pdfPath), data, 0o644)
}

// ReadManifest loads the sidecar written for pdfPath.
func ReadManifest(pdfPath string) (*Manifest, error) {
	data, err := os.ReadFile(ManifestPath(pdfPath))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
