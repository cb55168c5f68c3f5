package submission

import (
	"html"
	"regexp"
	"strings"
)

// ContentPlugin reports whether the part of a submission it owns is empty.
type ContentPlugin interface {
	Type() string
	IsEmpty(value string) bool
}

const (
	PluginOnlineText = "onlinetext"
	PluginFile       = "file"
)

var (
	tagRegex    = regexp.MustCompile(`<[^>]*>`)
	embedsRegex = regexp.MustCompile(`(?i)<(img|video|audio|iframe|object)\b`)
)

// OnlineText is rich text. Markup alone is empty; embedded media counts as content.
type OnlineText struct{}

func (OnlineText) Type() string { return PluginOnlineText }

func (OnlineText) IsEmpty(value string) bool {
	if embedsRegex.MatchString(value) {
		return false
	}
	text := html.UnescapeString(tagRegex.ReplaceAllString(value, ""))
	return strings.TrimSpace(text) == ""
}

// FileUpload holds a comma separated list of stored file references.
type FileUpload struct{}

func (FileUpload) Type() string { return PluginFile }

func (FileUpload) IsEmpty(value string) bool {
	for _, ref := range strings.Split(value, ",") {
		if strings.TrimSpace(ref) != "" {
			return false
		}
	}
	return true
}

// Plugins is the registry of known content plugins.
type Plugins struct {
	byType map[string]ContentPlugin
	order  []string
}

func NewPlugins(plugins ...ContentPlugin) *Plugins {
	reg := &Plugins{byType: make(map[string]ContentPlugin, len(plugins))}
	for _, p := range plugins {
		if _, ok := reg.byType[p.Type()]; !ok {
			reg.order = append(reg.order, p.Type())
		}
		reg.byType[p.Type()] = p
	}
	return reg
}

func DefaultPlugins() *Plugins {
	return NewPlugins(OnlineText{}, FileUpload{})
}

// IsEmpty reports whether every enabled plugin finds its part empty. Unknown types are skipped.
func (reg *Plugins) IsEmpty(enabled []string, content Content) bool {
	for _, typ := range enabled {
		p, ok := reg.byType[typ]
		if !ok {
			continue
		}
		if !p.IsEmpty(content[typ]) {
			return false
		}
	}
	return true
}
