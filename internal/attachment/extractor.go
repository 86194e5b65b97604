// Package attachment はチャットに添付されたファイルからテキストを抽出する。
// PDF、HTML、RSS/Atom、プレーンテキストに対応し、それ以外はErrUnsupportedを返す。
package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hitoshi/promptroom/internal/metrics"
	"github.com/hitoshi/promptroom/internal/model"
)

var (
	// ErrUnsupported は対応していないファイル形式であることを示す。
	ErrUnsupported = errors.New("unsupported attachment type")
	// ErrNoText はファイルからテキストが1文字も得られなかったことを示す。
	ErrNoText = errors.New("attachment contains no extractable text")
)

// Result はテキスト抽出の結果。
type Result struct {
	Kind      Kind
	Text      string
	Truncated bool // MaxChars を超えたため切り詰めた
}

// Extractor は添付ファイルのテキスト抽出を行う。
type Extractor struct {
	maxChars int
	feeds    *feedExtractor
	metrics  metrics.MetricsCollector
}

// NewExtractor はExtractorを生成する。maxCharsは抽出テキストの最大文字数（rune単位）。
// mcがnilの場合はメトリクスを記録しない。
func NewExtractor(maxChars int, mc metrics.MetricsCollector) *Extractor {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Extractor{
		maxChars: maxChars,
		feeds:    newFeedExtractor(),
		metrics:  mc,
	}
}

type extractOutcome struct {
	text string
	err  error
}

// Extract は添付ファイルからテキストを抽出する。
// 抽出処理は別goroutineで実行し、ctxの期限切れで打ち切る。パーサーのpanicはエラーとして返す。
func (e *Extractor) Extract(ctx context.Context, att *model.Attachment) (*Result, error) {
	kind := Detect(att)
	if kind == KindUnknown {
		e.metrics.RecordAttachment(string(kind), "unsupported")
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, describe(att))
	}

	done := make(chan extractOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- extractOutcome{err: fmt.Errorf("%s parser panicked: %v", kind, r)}
			}
		}()
		text, err := e.extractKind(kind, att.Data)
		done <- extractOutcome{text: text, err: err}
	}()

	var out extractOutcome
	select {
	case <-ctx.Done():
		e.metrics.RecordAttachment(string(kind), "canceled")
		return nil, ctx.Err()
	case out = <-done:
	}

	if out.err != nil {
		result := "error"
		if errors.Is(out.err, ErrUnsupported) {
			result = "unsupported"
		}
		e.metrics.RecordAttachment(string(kind), result)
		slog.Warn("attachment extraction failed",
			slog.String("kind", string(kind)),
			slog.String("filename", att.Filename),
			slog.String("error", out.err.Error()),
		)
		return nil, out.err
	}

	text := normalizeWhitespace(out.text)
	if text == "" {
		e.metrics.RecordAttachment(string(kind), "empty")
		return nil, ErrNoText
	}

	text, truncated := truncateRunes(text, e.maxChars)
	e.metrics.RecordAttachment(string(kind), "ok")
	return &Result{Kind: kind, Text: text, Truncated: truncated}, nil
}

func (e *Extractor) extractKind(kind Kind, data []byte) (string, error) {
	switch kind {
	case KindPDF:
		return extractPDF(data)
	case KindHTML:
		return extractHTML(data)
	case KindFeed:
		text, err := e.feeds.extract(data)
		if err != nil && utf8.Valid(data) {
			// 拡張子が.xmlでもフィードでない場合はテキストとして扱う
			return extractText(data)
		}
		return text, err
	case KindText:
		return extractText(data)
	default:
		return "", ErrUnsupported
	}
}

// normalizeWhitespace は行内の連続空白を1つにまとめ、3行以上の空行を1行の空行に詰める。
func normalizeWhitespace(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.Join(strings.FieldsFunc(line, unicode.IsSpace), " ")
		if line == "" {
			blank++
			if blank > 1 || len(out) == 0 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// truncateRunes はsをmaxRunes文字で切り詰める。maxRunesが0以下の場合は切り詰めない。
func truncateRunes(s string, maxRunes int) (string, bool) {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s, false
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return s[:i], true
		}
		n++
	}
	return s, false
}

func describe(att *model.Attachment) string {
	if att.ContentType != "" {
		return fmt.Sprintf("%s (%s)", att.Filename, att.ContentType)
	}
	return att.Filename
}
