package domain

import (
	"strings"

	"golang.org/x/text/cases"
)

// Style is a normalized visual style tag.
type Style string

const (
	StyleDisney      Style = "disney"
	StylePixar       Style = "pixar"
	StyleDisneyPixar Style = "disney-pixar"
	StyleIllustrate  Style = "illustrate"
	StyleGhibli      Style = "ghibli"
	StyleAnime       Style = "anime"

	DefaultStyle = StyleDisneyPixar
)

var (
	styleFolder = cases.Fold()
	knownStyles = map[string]Style{
		"disney":       StyleDisney,
		"pixar":        StylePixar,
		"disney-pixar": StyleDisneyPixar,
		"disney_pixar": StyleDisneyPixar,
		"illustrate":   StyleIllustrate,
		"ghibli":       StyleGhibli,
		"anime":        StyleAnime,
	}
)

// NormalizeStyle folds case and whitespace and maps unknown values to DefaultStyle.
func NormalizeStyle(raw string) Style {
	key := styleFolder.String(strings.TrimSpace(raw))
	if style, ok := knownStyles[key]; ok {
		return style
	}
	return DefaultStyle
}
