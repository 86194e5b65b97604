package attachment

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/hitoshi/promptroom/internal/model"
)

// Kind は添付ファイルの種別。
type Kind string

const (
	KindPDF     Kind = "pdf"
	KindHTML    Kind = "html"
	KindFeed    Kind = "feed"
	KindText    Kind = "text"
	KindUnknown Kind = "unknown"
)

var extensionKinds = map[string]Kind{
	".pdf":      KindPDF,
	".html":     KindHTML,
	".htm":      KindHTML,
	".xhtml":    KindHTML,
	".rss":      KindFeed,
	".atom":     KindFeed,
	".xml":      KindFeed,
	".txt":      KindText,
	".text":     KindText,
	".md":       KindText,
	".markdown": KindText,
	".csv":      KindText,
	".tsv":      KindText,
	".json":     KindText,
	".yaml":     KindText,
	".yml":      KindText,
	".log":      KindText,
}

var mediaTypeKinds = map[string]Kind{
	"application/pdf":       KindPDF,
	"text/html":             KindHTML,
	"application/xhtml+xml": KindHTML,
	"application/rss+xml":   KindFeed,
	"application/atom+xml":  KindFeed,
	"application/feed+json": KindFeed,
	"application/xml":       KindFeed,
	"text/xml":              KindFeed,
	"application/json":      KindText,
	"application/x-yaml":    KindText,
}

// Detect は拡張子、宣言されたContent-Type、内容の先頭バイトの順で種別を判定する。
func Detect(att *model.Attachment) Kind {
	if att == nil {
		return KindUnknown
	}

	// 1. 拡張子
	if k, ok := extensionKinds[strings.ToLower(filepath.Ext(att.Filename))]; ok {
		return k
	}

	// 2. 宣言されたContent-Type。octet-streamは判定材料にしない
	if k := kindFromMediaType(att.ContentType); k != KindUnknown {
		return k
	}

	// 3. 内容のスニッフィング
	if len(att.Data) == 0 {
		return KindUnknown
	}
	return kindFromMediaType(http.DetectContentType(att.Data))
}

func kindFromMediaType(contentType string) Kind {
	if contentType == "" {
		return KindUnknown
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return KindUnknown
	}
	if k, ok := mediaTypeKinds[mediaType]; ok {
		return k
	}
	if strings.HasPrefix(mediaType, "text/") {
		return KindText
	}
	return KindUnknown
}
