package notes

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/jgivc/updagent/internal/entity"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"go.abhg.dev/goldmark/frontmatter"
)

// Frontmatter — необязательный YAML-заголовок в release notes.
type Frontmatter struct {
	Title   string `yaml:"title"`
	Summary string `yaml:"summary"`
}

type notesAdapter struct {
	md  goldmark.Markdown
	log *slog.Logger
}

func NewNotesAdapter(log *slog.Logger) *notesAdapter {
	md := goldmark.New(
		goldmark.WithExtensions(
			&frontmatter.Extender{},
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)

	return &notesAdapter{
		md:  md,
		log: log.With(slog.String("item", "NotesAdapter")),
	}
}

// Render converts release-notes markdown into the form the UI shows for an
// available update.
func (a *notesAdapter) Render(src string) (*entity.ReleaseNotes, error) {
	var buf bytes.Buffer

	ctx := parser.NewContext()
	if err := a.md.Convert([]byte(src), &buf, parser.WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("cannot render release notes: %w", err)
	}

	notes := &entity.ReleaseNotes{
		HTML: buf.String(),
	}

	if fm := frontmatter.Get(ctx); fm != nil {
		var meta Frontmatter
		if err := fm.Decode(&meta); err != nil {
			a.log.Error("Cannot decode release notes frontmatter", slog.Any("error", err))
		} else {
			notes.Title = meta.Title
			notes.Summary = meta.Summary
		}
	}

	return notes, nil
}
