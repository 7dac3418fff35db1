package textutil

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.Und)

// NormalizeTitle cleans up a generated video title for display: surrounding
// quotes and whitespace are stripped, interior whitespace is collapsed, and
// the result is title-cased.
func NormalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return ""
	}
	return titleCaser.String(title)
}
