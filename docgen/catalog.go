package docgen

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"signflow/envelope"
)

const (
	manifestName = "catalog.yaml"
	htmlMimetype = "text/html; charset=utf-8"
)

const (
	ErrNoTemplates         envelope.ValidationError = "no templates selected"
	ErrNoMatchingTemplates envelope.ValidationError = "no matching template files found"
)

// Fields fill the document templates.
type Fields struct {
	Name               string `json:"name"`
	Address            string `json:"address"`
	Company            string `json:"company"`
	RegistrationNumber string `json:"registrationNumber"`
	RegistrationDate   string `json:"registrationDate"`
	Date               string `json:"date"`
}

// Entry is one template listed in the catalog manifest.
type Entry struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
	File  string `yaml:"file" json:"-"`
}

type manifest struct {
	Templates []Entry `yaml:"templates"`
}

// Document is one rendered original.
type Document struct {
	TemplateID string
	Title      string
	Filename   string
	Mimetype   string
	Content    []byte
}

type parsed struct {
	entry Entry
	tmpl  *template.Template
}

// Catalog holds parsed templates keyed by id, in manifest order.
type Catalog struct {
	entries []Entry
	byID    map[string]parsed
	now     func() time.Time
}

// Load reads dir/catalog.yaml and parses every template it lists.
func Load(dir string) (*Catalog, error) {
	return LoadFS(os.DirFS(dir))
}

func LoadFS(fsys fs.FS) (*Catalog, error) {
	raw, err := fs.ReadFile(fsys, manifestName)
	if err != nil {
		return nil, fmt.Errorf("docgen: read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("docgen: parse manifest: %w", err)
	}
	if len(m.Templates) == 0 {
		return nil, errors.New("docgen: manifest lists no templates")
	}

	c := &Catalog{byID: make(map[string]parsed, len(m.Templates)), now: time.Now}
	for _, e := range m.Templates {
		e.ID = strings.TrimSpace(e.ID)
		if e.ID == "" || e.File == "" {
			return nil, fmt.Errorf("docgen: template entry needs id and file: %+v", e)
		}
		if _, dup := c.byID[e.ID]; dup {
			return nil, fmt.Errorf("docgen: duplicate template id %q", e.ID)
		}
		body, err := fs.ReadFile(fsys, e.File)
		if err != nil {
			return nil, fmt.Errorf("docgen: read template %s: %w", e.ID, err)
		}
		tmpl, err := template.New(e.ID).Option("missingkey=zero").Parse(string(body))
		if err != nil {
			return nil, fmt.Errorf("docgen: parse template %s: %w", e.ID, err)
		}
		if e.Title == "" {
			e.Title = e.ID
		}
		c.entries = append(c.entries, e)
		c.byID[e.ID] = parsed{entry: e, tmpl: tmpl}
	}
	return c, nil
}

func (c *Catalog) WithClock(now func() time.Time) *Catalog {
	c.now = now
	return c
}

// Entries lists the available templates.
func (c *Catalog) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

// Generate renders the selected templates in request order. Unknown ids are
// skipped; repeated ids render once.
func (c *Catalog) Generate(ids []string, fields Fields) ([]Document, error) {
	if len(ids) == 0 {
		return nil, ErrNoTemplates
	}
	if strings.TrimSpace(fields.Date) == "" {
		fields.Date = c.now().UTC().Format("2006-01-02")
	}

	seen := make(map[string]struct{}, len(ids))
	var docs []Document
	for _, id := range ids {
		id = strings.TrimSpace(id)
		p, ok := c.byID[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		var buf bytes.Buffer
		if err := p.tmpl.Execute(&buf, fields); err != nil {
			return nil, fmt.Errorf("docgen: render %s: %w", id, err)
		}
		docs = append(docs, Document{
			TemplateID: id,
			Title:      p.entry.Title,
			Filename:   id + path.Ext(p.entry.File),
			Mimetype:   htmlMimetype,
			Content:    buf.Bytes(),
		})
	}
	if len(docs) == 0 {
		return nil, ErrNoMatchingTemplates
	}
	return docs, nil
}
