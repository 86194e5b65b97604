package attachment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// skipElements は本文として扱わない要素。
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"svg":      true,
}

// blockElements は終了時に改行を入れる要素。
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"title": true, "section": true, "article": true, "blockquote": true, "pre": true,
}

// extractHTML はHTMLからscript/style等を除いた本文テキストを抽出する。
func extractHTML(data []byte) (string, error) {
	tokenizer := html.NewTokenizer(bytes.NewReader(data))
	var sb strings.Builder
	skipDepth := 0

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if err := tokenizer.Err(); !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("failed to tokenize html: %w", err)
			}
			return sb.String(), nil

		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			name := string(tn)
			if skipElements[name] {
				skipDepth++
			}

		case html.SelfClosingTagToken:
			tn, _ := tokenizer.TagName()
			if blockElements[string(tn)] && skipDepth == 0 {
				sb.WriteByte('\n')
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			name := string(tn)
			if skipElements[name] && skipDepth > 0 {
				skipDepth--
				continue
			}
			if blockElements[name] && skipDepth == 0 {
				sb.WriteByte('\n')
			}

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			sb.Write(tokenizer.Text())
			sb.WriteByte(' ')
		}
	}
}
