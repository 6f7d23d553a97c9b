package notes

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAdapter() *notesAdapter {
	return NewNotesAdapter(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})))
}

func TestRenderWithFrontmatter(t *testing.T) {
	src := `---
title: "Maintenance release"
summary: "Bug fixes only"
---

# Fixed

* resume after network drop
`

	notes, err := newTestAdapter().Render(src)
	require.NoError(t, err)
	require.Equal(t, "Maintenance release", notes.Title)
	require.Equal(t, "Bug fixes only", notes.Summary)
	require.Contains(t, notes.HTML, "<h1>Fixed</h1>")
	require.Contains(t, notes.HTML, "resume after network drop")
	require.NotContains(t, notes.HTML, "Maintenance release")
}

func TestRenderPlainMarkdown(t *testing.T) {
	notes, err := newTestAdapter().Render("just **notes**")
	require.NoError(t, err)
	require.Empty(t, notes.Title)
	require.Contains(t, notes.HTML, "<strong>notes</strong>")
}

func TestRenderEmpty(t *testing.T) {
	notes, err := newTestAdapter().Render("")
	require.NoError(t, err)
	require.Empty(t, notes.Title)
}
