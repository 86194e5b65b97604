package attachment

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"
)

// feedExtractor はRSS/Atom/JSON Feedをタイトルと本文のテキストに変換する。
type feedExtractor struct {
	strip *bluemonday.Policy
}

func newFeedExtractor() *feedExtractor {
	return &feedExtractor{strip: bluemonday.StrictPolicy()}
}

// extract はフィードと各記事のタイトル・リンク・本文を順に書き出す。
// 記事本文のHTMLタグはStrictPolicyで全て除去する。
func (f *feedExtractor) extract(data []byte) (string, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse feed: %w", err)
	}

	var sb strings.Builder
	if parsed.Title != "" {
		fmt.Fprintf(&sb, "%s\n", f.plain(parsed.Title))
	}
	if parsed.Description != "" {
		fmt.Fprintf(&sb, "%s\n", f.plain(parsed.Description))
	}

	for _, item := range parsed.Items {
		sb.WriteString("\n")
		if item.Title != "" {
			fmt.Fprintf(&sb, "%s\n", f.plain(item.Title))
		}
		if item.Link != "" {
			fmt.Fprintf(&sb, "%s\n", item.Link)
		}
		if item.PublishedParsed != nil {
			fmt.Fprintf(&sb, "%s\n", item.PublishedParsed.Format("2006-01-02"))
		}
		body := item.Content
		if body == "" {
			body = item.Description
		}
		if body != "" {
			fmt.Fprintf(&sb, "%s\n", f.plain(body))
		}
	}

	return sb.String(), nil
}

// plain はHTML断片をタグなしのテキストにする。
func (f *feedExtractor) plain(s string) string {
	return html.UnescapeString(f.strip.Sanitize(s))
}
