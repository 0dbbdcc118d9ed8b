package page

import (
	"bytes"
	"context"
	_ "embed"
	"html/template"
	"sync"

	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/dmorgan81/imagegen/internal/store"
)

//go:embed assets/generation.html
var generationTmpl string

type Params struct {
	Image   string
	Model   string
	Mode    string
	Prompt  string
	Seed    string
	Created string
}

// FromObject builds page params for an archived image served under publicURL.
func FromObject(publicURL string, o store.Object) Params {
	return Params{
		Image:   publicURL + "/" + o.Key,
		Model:   o.Get("model"),
		Mode:    o.Get("mode"),
		Prompt:  o.Get("prompt"),
		Seed:    o.Get("seed"),
		Created: o.Get("created"),
	}
}

type Templator struct {
	tmpl *template.Template
	once sync.Once
}

func (g *Templator) Template(ctx context.Context, params Params) ([]byte, error) {
	g.once.Do(func() {
		g.tmpl = template.Must(template.New("generation").Parse(generationTmpl))
	})

	log.FromContextOrDiscard(ctx).WithGroup("templator").Info("generating page")

	var data bytes.Buffer
	if err := g.tmpl.Execute(&data, params); err != nil {
		return nil, err
	}
	return data.Bytes(), nil
}
