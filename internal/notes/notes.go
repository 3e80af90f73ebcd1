// Package notes renders the comments the bot leaves on merge requests.
//
// Every comment is a text/template executed with the sprig function map, so
// operators can reword them from the configuration file without rebuilding.
package notes

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// Kind identifies one of the comments the bot may post.
type Kind string

const (
	// CannotMerge is posted when the merge request is given back to a human.
	CannotMerge Kind = "cannot_merge"
	// QueueJumpedMerge is posted when the target branch moved while accepting (422).
	QueueJumpedMerge Kind = "queue_jumped_merge"
	// QueueJumpedPush is posted when the target branch moved while accepting (406).
	QueueJumpedPush Kind = "queue_jumped_push"
	// RebaseMismatch is posted when the platform disagrees with what was pushed.
	RebaseMismatch Kind = "rebase_mismatch"
	// BrokenRepository is posted when the local workspace failed.
	BrokenRepository Kind = "broken_repository"
	// InternalError is posted on any unexpected failure.
	InternalError Kind = "internal_error"
)

var (
	errUnknownKind = errors.New("unknown comment kind")

	// ErrUnknownKind is returned by NewRenderer for an unknown override key.
	ErrUnknownKind = errUnknownKind
)

// Data is the template context.
type Data struct {
	Reason       string
	IID          int64
	SourceBranch string
	TargetBranch string
	Bot          string
}

var defaults = map[Kind]string{
	CannotMerge:      `I couldn't merge this merge request: {{ .Reason }}`,
	QueueJumpedMerge: `My job would be easier if people didn't jump the queue and merged directly... *sigh*`,
	QueueJumpedPush:  `My job would be easier if people didn't jump the queue and push directly... *sigh*`,
	RebaseMismatch:   `Someone skipped the queue! Will have to try again...`,
	BrokenRepository: `Something seems broken on my local git repo; check my logs!`,
	InternalError:    `I'm broken on the inside, please somebody fix me... :cry:`,
}

// Kinds lists every comment kind in a stable order.
func Kinds() []Kind {
	return []Kind{CannotMerge, QueueJumpedMerge, QueueJumpedPush, RebaseMismatch, BrokenRepository, InternalError}
}

// Renderer holds the parsed comment templates.
type Renderer struct {
	templates map[Kind]*template.Template
}

// NewRenderer parses the default templates, replaced by any entry of
// overrides. Override keys must be known kinds.
func NewRenderer(overrides map[string]string) (*Renderer, error) {
	funcs := sprig.TxtFuncMap()

	r := &Renderer{templates: make(map[Kind]*template.Template, len(defaults))}
	for kind, text := range defaults {
		if override, ok := overrides[string(kind)]; ok && strings.TrimSpace(override) != "" {
			text = override
		}
		tmpl, err := template.New(string(kind)).Funcs(funcs).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s comment template: %w", kind, err)
		}
		r.templates[kind] = tmpl
	}

	for key := range overrides {
		if _, ok := defaults[Kind(key)]; !ok {
			return nil, fmt.Errorf("%w: %s", errUnknownKind, key)
		}
	}

	return r, nil
}

// MustDefault returns a renderer with the built-in templates.
func MustDefault() *Renderer {
	r, err := NewRenderer(nil)
	if err != nil {
		panic(err)
	}
	return r
}

// Render executes the template for kind. A template that fails to execute
// falls back to the reason itself so a comment is never lost.
func (r *Renderer) Render(kind Kind, data Data) string {
	tmpl, ok := r.templates[kind]
	if !ok {
		return data.Reason
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return data.Reason
	}
	return strings.TrimSpace(buf.String())
}
