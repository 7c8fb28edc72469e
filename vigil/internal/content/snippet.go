package content

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
)

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
	),
)

// MarkdownSnippet converts page HTML to markdown and truncates it to
// maxLen runes. Best effort: conversion failure yields an empty snippet,
// never an error, since snippets are archival garnish rather than state.
func MarkdownSnippet(pageHTML, pageURL string, maxLen int) string {
	if pageHTML == "" {
		return ""
	}
	md, err := mdConverter.ConvertString(pageHTML, converter.WithDomain(pageURL))
	if err != nil {
		return ""
	}
	md = strings.TrimSpace(md)
	if maxLen > 0 {
		runes := []rune(md)
		if len(runes) > maxLen {
			md = string(runes[:maxLen]) + "…"
		}
	}
	return md
}
