// Package render turns notification template sets into mail titles and bodies.
//
// Templates use the Liquid language. Each language has its own set keyed by
// template name ("tip", "comment", "digest", "ping", ...). Lookups for a
// language that is not configured fall back to the closest configured one and
// finally to the default language.
package render

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/osteele/liquid"
	"golang.org/x/text/language"
)

var (
	ErrUnknownTemplate = errors.New("unknown template")
	ErrNoLanguages     = errors.New("no template languages configured")
)

// Template is the raw Liquid source of one mail.
type Template struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Output is a rendered mail.
type Output struct {
	Title string
	Body  string
}

// Config describes the template sets.
type Config struct {
	DefaultLanguage string
	// Languages maps a BCP 47 tag to its template set.
	Languages map[string]map[string]Template
}

type compiled struct {
	title *liquid.Template
	body  *liquid.Template
}

// Engine renders templates. It is safe for concurrent use.
type Engine struct {
	engine *liquid.Engine

	mu       sync.RWMutex
	sets     map[string]map[string]compiled
	tags     []language.Tag
	matcher  language.Matcher
	fallback string
}

// New compiles every template in cfg. Built-in English templates fill any
// key that the configuration leaves out for the default language.
func New(cfg Config) (*Engine, error) {
	e := &Engine{engine: liquid.NewEngine()}
	e.registerFilters()
	if err := e.Load(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Load replaces the template sets atomically. On error the previous sets stay active.
func (e *Engine) Load(cfg Config) error {
	def := strings.TrimSpace(cfg.DefaultLanguage)
	if def == "" {
		def = "en"
	}
	defTag, err := language.Parse(def)
	if err != nil {
		return fmt.Errorf("default language %q: %w", def, err)
	}

	raw := map[string]map[string]Template{}
	for lang, set := range cfg.Languages {
		tag, err := language.Parse(strings.TrimSpace(lang))
		if err != nil {
			return fmt.Errorf("template language %q: %w", lang, err)
		}
		key := tag.String()
		if raw[key] == nil {
			raw[key] = map[string]Template{}
		}
		for name, tpl := range set {
			raw[key][strings.ToLower(strings.TrimSpace(name))] = tpl
		}
	}
	defKey := defTag.String()
	if raw[defKey] == nil {
		raw[defKey] = map[string]Template{}
	}
	for name, tpl := range Defaults() {
		if _, ok := raw[defKey][name]; !ok {
			raw[defKey][name] = tpl
		}
	}

	sets := make(map[string]map[string]compiled, len(raw))
	langs := make([]string, 0, len(raw))
	for lang, set := range raw {
		cs := make(map[string]compiled, len(set))
		for name, tpl := range set {
			c, err := e.compile(tpl)
			if err != nil {
				return fmt.Errorf("template %s/%s: %w", lang, name, err)
			}
			cs[name] = c
		}
		sets[lang] = cs
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	// The default language goes first so the matcher falls back to it.
	tags := []language.Tag{defTag}
	for _, l := range langs {
		if l == defKey {
			continue
		}
		tags = append(tags, language.MustParse(l))
	}

	e.mu.Lock()
	e.sets = sets
	e.tags = tags
	e.matcher = language.NewMatcher(tags)
	e.fallback = defKey
	e.mu.Unlock()
	return nil
}

func (e *Engine) compile(tpl Template) (compiled, error) {
	title, err := e.engine.ParseString(tpl.Title)
	if err != nil {
		return compiled{}, fmt.Errorf("title: %w", err)
	}
	body, err := e.engine.ParseString(tpl.Body)
	if err != nil {
		return compiled{}, fmt.Errorf("body: %w", err)
	}
	return compiled{title: title, body: body}, nil
}

// Languages returns the configured language tags, default first.
func (e *Engine) Languages() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.tags))
	for _, t := range e.tags {
		out = append(out, t.String())
	}
	return out
}

// Resolve picks the configured language closest to lang.
func (e *Engine) Resolve(lang string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.resolveLocked(lang)
}

func (e *Engine) resolveLocked(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" || e.matcher == nil {
		return e.fallback
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return e.fallback
	}
	_, idx, conf := e.matcher.Match(tag)
	if conf == language.No || idx < 0 || idx >= len(e.tags) {
		return e.fallback
	}
	return e.tags[idx].String()
}

// Render renders the template key in the language closest to lang.
func (e *Engine) Render(key, lang string, data map[string]any) (Output, error) {
	key = strings.ToLower(strings.TrimSpace(key))

	e.mu.RLock()
	if e.sets == nil {
		e.mu.RUnlock()
		return Output{}, ErrNoLanguages
	}
	resolved := e.resolveLocked(lang)
	c, ok := e.sets[resolved][key]
	if !ok {
		c, ok = e.sets[e.fallback][key]
	}
	e.mu.RUnlock()
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, key)
	}

	title, err := c.title.RenderString(data)
	if err != nil {
		return Output{}, fmt.Errorf("render %s title: %w", key, err)
	}
	body, err := c.body.RenderString(data)
	if err != nil {
		return Output{}, fmt.Errorf("render %s body: %w", key, err)
	}
	// Titles end up in a mail header; keep them on one line.
	title = strings.Join(strings.Fields(title), " ")
	return Output{Title: title, Body: body}, nil
}

func (e *Engine) registerFilters() {
	// Underline: {{ title | underline: "+" }}
	e.engine.RegisterFilter("underline", func(s string, ch string) string {
		if ch == "" {
			ch = "-"
		}
		return strings.Repeat(ch, len(s))
	})

	// Pluralize: {{ count | pluralize: "event", "events" }}
	e.engine.RegisterFilter("pluralize", func(n int, one, many string) string {
		if n == 1 {
			return one
		}
		return many
	})
}
