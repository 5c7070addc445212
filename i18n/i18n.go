// Package i18n resolves error codes to localized messages.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed messages/*.yaml
var embedded embed.FS

// Localizer turns a message code into text for the preferred languages in
// accept, given as a tag ("zh-CN") or an Accept-Language header.
type Localizer interface {
	Localize(accept, code string) string
}

// Catalog is a Localizer backed by one YAML file of code: text pairs per
// language. The first language loaded is the fallback.
type Catalog struct {
	tags     []language.Tag
	messages []map[string]string
	matcher  language.Matcher
}

// Default returns the catalog of the built-in English and Simplified
// Chinese messages.
func Default() *Catalog {
	c, err := Load(embedded, "messages", "en", "zh-CN")
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads <dir>/<lang>.yaml from fsys for each language.
func Load(fsys fs.FS, dir string, langs ...string) (*Catalog, error) {
	if len(langs) == 0 {
		return nil, fmt.Errorf("at least one language is required")
	}
	c := &Catalog{}
	for _, lang := range langs {
		tag, err := language.Parse(lang)
		if err != nil {
			return nil, fmt.Errorf("invalid language %q: %w", lang, err)
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, lang+".yaml"))
		if err != nil {
			return nil, fmt.Errorf("failed to read messages for %s: %w", lang, err)
		}
		var msgs map[string]string
		if err := yaml.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("failed to parse messages for %s: %w", lang, err)
		}
		c.tags = append(c.tags, tag)
		c.messages = append(c.messages, msgs)
	}
	c.matcher = language.NewMatcher(c.tags)
	return c, nil
}

// Languages returns the supported languages, fallback first.
func (c *Catalog) Languages() []language.Tag {
	return append([]language.Tag(nil), c.tags...)
}

// Localize implements Localizer. Unknown codes are returned unchanged.
func (c *Catalog) Localize(accept, code string) string {
	if msg, ok := c.messages[c.match(accept)][code]; ok {
		return msg
	}
	if msg, ok := c.messages[0][code]; ok {
		return msg
	}
	return code
}

func (c *Catalog) match(accept string) int {
	accept = strings.TrimSpace(accept)
	if accept == "" {
		return 0
	}
	prefs, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(prefs) == 0 {
		return 0
	}
	_, index, confidence := c.matcher.Match(prefs...)
	if confidence == language.No {
		return 0
	}
	return index
}
