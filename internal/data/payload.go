package data

import (
	"strings"

	"github.com/pkg/errors"

	"brokerstorm/internal/core"
	"brokerstorm/internal/template"
)

// DefaultTemplate is the body used when no template or file is configured.
// Its id field is what duplicate detection keys on by default.
const DefaultTemplate = `{"id":"${message_id}","session":"${session}","seq":${seq},"pad":"${padding}"}`

// Placeholders every template may use in addition to functions and env vars.
const (
	VarSession   = "session"
	VarSeq       = "seq"
	VarMessageID = "message_id"
	VarPadding   = "padding"
)

// paddingMarker stands in for ${padding} until the body length is known.
const paddingMarker = "\x00padding\x00"

// PayloadConfig selects how publisher message bodies are produced.
type PayloadConfig struct {
	Template string `yaml:"template"`
	Size     int    `yaml:"size"`
	File     string `yaml:"file"`
	Mode     Mode   `yaml:"mode"`
}

// Meta identifies the message being generated.
type Meta struct {
	Session   string
	Seq       int64
	MessageID string
}

// Generator produces message bodies. Implementations are shared by every
// session of a pool and must be safe for concurrent use.
type Generator interface {
	Generate(m Meta) ([]byte, error)
}

// TemplateGenerator renders a body template. A file source, when set, supplies
// a row per message whose fields are available as ${data.<field>}.
type TemplateGenerator struct {
	text   string
	size   int
	source *Source
}

func (g *TemplateGenerator) Generate(m Meta) ([]byte, error) {
	vars := template.Vars{
		VarSession:   m.Session,
		VarSeq:       m.Seq,
		VarMessageID: m.MessageID,
		VarPadding:   paddingMarker,
	}
	if g.source != nil {
		for field, value := range g.source.Next() {
			vars["data."+field] = value
		}
	}
	out, err := template.Substitute(g.text, vars)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(out, paddingMarker) {
		return []byte(out), nil
	}
	fill := g.size - (len(out) - len(paddingMarker))
	if fill < 0 {
		fill = 0
	}
	return []byte(strings.Replace(out, paddingMarker, strings.Repeat("x", fill), 1)), nil
}

// FileGenerator replays the messages of a file.
type FileGenerator struct {
	source *Source
}

func (g *FileGenerator) Generate(Meta) ([]byte, error) {
	return g.source.NextBody(), nil
}

// NewGenerator builds the generator described by cfg. Relative file paths are
// resolved against baseDir. Problems are reported as configuration errors.
func NewGenerator(cfg PayloadConfig, baseDir string) (Generator, error) {
	if cfg.Size < 0 {
		return nil, &core.ErrInvalidArgument{Name: "payload.size", Value: cfg.Size, Message: "must be >= 0"}
	}
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, &core.ErrInvalidArgument{Name: "payload.mode", Value: cfg.Mode, Message: err.Error()}
	}

	var source *Source
	if cfg.File != "" {
		source, err = LoadFile("payload", cfg.File, mode, baseDir)
		if err != nil {
			return nil, errors.WithStack(&core.ErrInvalidArgument{Name: "payload.file", Value: cfg.File, Message: err.Error()})
		}
		if cfg.Template == "" {
			return &FileGenerator{source: source}, nil
		}
	}

	text := cfg.Template
	if text == "" {
		text = DefaultTemplate
	}
	if cfg.Size > 0 && strings.Count(text, "${"+VarPadding+"}") != 1 {
		return nil, &core.ErrInvalidArgument{Name: "payload.size", Value: cfg.Size, Message: "template must contain ${padding} exactly once"}
	}

	known := []string{VarSession, VarSeq, VarMessageID, VarPadding}
	if source != nil {
		for _, f := range source.Fields() {
			known = append(known, "data."+f)
		}
	}
	if err := template.Validate(text, known...); err != nil {
		return nil, &core.ErrInvalidArgument{Name: "payload.template", Value: text, Message: err.Error()}
	}

	return &TemplateGenerator{text: text, size: cfg.Size, source: source}, nil
}
