package statustpl

import (
	"bytes"
	"fmt"
	"html/template"
	"os"

	_ "embed"

	"github.com/jgivc/updagent/internal/entity"
)

const (
	funcNamePercent = "percent"
	funcNameNotes   = "notes"
)

//go:embed status.html
var defaultTemplate string

type tplAdapter struct {
	tpl *template.Template
}

// NewTplAdapter parses the status page template. An empty templateFileName
// means the embedded default.
func NewTplAdapter(templateFileName string) (*tplAdapter, error) {
	tpl := template.New("").Funcs(template.FuncMap{
		funcNamePercent: renderPercent,
		funcNameNotes:   renderNotes,
	})

	src := defaultTemplate
	if templateFileName != "" {
		data, err := os.ReadFile(templateFileName)
		if err != nil {
			return nil, fmt.Errorf("cannot read template: %w", err)
		}

		src = string(data)
	}

	if _, err := tpl.Parse(src); err != nil {
		return nil, fmt.Errorf("cannot parse template: %w", err)
	}

	return &tplAdapter{tpl: tpl}, nil
}

func (a *tplAdapter) Parse(st entity.UpdateState) (string, error) {
	buf := bytes.Buffer{}
	if err := a.tpl.Execute(&buf, st); err != nil {
		return "", fmt.Errorf("cannot execute template: %w", err)
	}

	return buf.String(), nil
}

func renderPercent(p *entity.DownloadProgress) string {
	if p == nil || p.BytesTotal < 1 {
		return ""
	}

	return fmt.Sprintf("%.1f%%", p.Fraction()*100)
}

// Release notes are already sanitized markdown output.
func renderNotes(n *entity.ReleaseNotes) template.HTML {
	if n == nil {
		return ""
	}

	return template.HTML(n.HTML)
}
