package epub

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Builder writes a Manuscript as an EPUB 3 container.
type Builder struct {
	m        *Manuscript
	uid      string
	modified time.Time
}

// NewBuilder prepares m for writing. The package identifier is derived from
// m.ID so rebuilding the same manuscript yields the same identifier.
func NewBuilder(m *Manuscript) *Builder {
	uid := uuid.New()
	if m.ID != "" {
		uid = uuid.NewSHA1(uuid.NameSpaceURL, []byte("scribe:"+m.ID))
	}
	return &Builder{m: m, uid: "urn:uuid:" + uid.String(), modified: time.Now().UTC()}
}

// Build writes the EPUB to path, creating its directory.
func (b *Builder) Build(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	var buf bytes.Buffer
	if err := b.WriteTo(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write epub: %w", err)
	}
	return nil
}

// WriteTo writes the EPUB container to w.
func (b *Builder) WriteTo(w io.Writer) error {
	zw := zip.NewWriter(w)

	// The mimetype entry must come first and be stored uncompressed.
	mt, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return err
	}
	if _, err := io.WriteString(mt, "application/epub+zip"); err != nil {
		return err
	}

	data := b.docData()
	files := []struct {
		name string
		tmpl string
		data any
	}{
		{"META-INF/container.xml", "container", data},
		{"OEBPS/content.opf", "package", data},
		{"OEBPS/nav.xhtml", "nav", data},
		{"OEBPS/toc.ncx", "ncx", data},
	}
	for _, f := range files {
		if err := b.writeTemplate(zw, f.name, f.tmpl, f.data); err != nil {
			return err
		}
	}
	sw, err := zw.Create("OEBPS/style.css")
	if err != nil {
		return err
	}
	if _, err := io.WriteString(sw, stylesheet); err != nil {
		return err
	}
	for _, ch := range b.m.Chapters {
		cd := chapterData{Chapter: ch, Body: markdownToXHTML(ch.Text)}
		if err := b.writeTemplate(zw, "OEBPS/"+ch.ID()+".xhtml", "chapter", cd); err != nil {
			return fmt.Errorf("chapter %d: %w", ch.Number, err)
		}
	}
	return zw.Close()
}

func (b *Builder) writeTemplate(zw *zip.Writer, name, tmpl string, data any) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err := documents.ExecuteTemplate(w, tmpl, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	return nil
}

func (b *Builder) docData() packageData {
	lang := b.m.Language
	if lang == "" {
		lang = "en"
	}
	return packageData{
		UID:      b.uid,
		Title:    b.m.Title,
		Author:   b.m.Author,
		Language: lang,
		Modified: b.modified.Format("2006-01-02T15:04:05Z"),
		Chapters: b.m.Chapters,
	}
}
