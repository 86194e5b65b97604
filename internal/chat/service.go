// Package chat はプロジェクトのシステムプロンプトと会話履歴を組み立て、上流LLMへ中継する。
// 会話はサーバーに保存せず、履歴は毎回クライアントから受け取る。
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/hitoshi/promptroom/internal/attachment"
	"github.com/hitoshi/promptroom/internal/llm"
	"github.com/hitoshi/promptroom/internal/metrics"
	"github.com/hitoshi/promptroom/internal/model"
)

// AttachmentPlaceholder はテキストが空で添付ファイルのみのターンに使う本文。
const AttachmentPlaceholder = "Please analyze the uploaded file."

// ProjectResolver はユーザーが所有するプロジェクトを解決する。
type ProjectResolver interface {
	GetOwned(ctx context.Context, userID, projectID string) (*model.Project, error)
}

// AttachmentExtractor は添付ファイルからテキストを抽出する。
type AttachmentExtractor interface {
	Extract(ctx context.Context, att *model.Attachment) (*attachment.Result, error)
}

// defaultUpstreamTimeout はConfig.UpstreamTimeoutが0以下のときに使う制限時間。
const defaultUpstreamTimeout = 60 * time.Second

// Config はチャット中継の設定。
type Config struct {
	MaxHistoryTurns int           // 履歴と新しいターンを合わせた最大ターン数。0以下は無制限
	UpstreamTimeout time.Duration // 添付抽出と上流呼び出しを合わせた制限時間。0以下は既定値
}

// Request は1回の中継リクエスト。
type Request struct {
	UserID     string
	ProjectID  string
	History    []model.Turn
	Text       string
	Attachment *model.Attachment
}

// Reply は中継結果。Messageは上流の応答を加工せずに保持する。
type Reply struct {
	Message string
	Model   string
	Usage   llm.Usage
}

// Service はチャット中継のサービス層。
type Service struct {
	projects  ProjectResolver
	extractor AttachmentExtractor
	completer llm.Completer
	config    Config
	metrics   metrics.MetricsCollector
}

// NewService はServiceを生成する。mcがnilの場合はメトリクスを記録しない。
func NewService(
	projects ProjectResolver,
	extractor AttachmentExtractor,
	completer llm.Completer,
	config Config,
	mc metrics.MetricsCollector,
) *Service {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = defaultUpstreamTimeout
	}
	return &Service{
		projects:  projects,
		extractor: extractor,
		completer: completer,
		config:    config,
		metrics:   mc,
	}
}

// Relay は1ターン分の会話を上流LLMへ中継し、アシスタントの応答を返す。
// 失敗時はAPIErrorを返し、上流の詳細な原因はErrに保持してレスポンスには含めない。
func (s *Service) Relay(ctx context.Context, req Request) (*Reply, error) {
	reply, err := s.relay(ctx, req)
	s.metrics.RecordRelayOutcome(outcomeOf(err))
	return reply, err
}

func (s *Service) relay(ctx context.Context, req Request) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.UpstreamTimeout)
	defer cancel()

	// 1. 所有プロジェクトの解決。エラーはそのまま返す
	project, err := s.projects.GetOwned(ctx, req.UserID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	// 2. 上流呼び出し前の入力検証
	if err := s.validate(req); err != nil {
		return nil, err
	}

	// 3. 添付ファイルのテキスト抽出（ベストエフォート）
	var attachmentSection string
	if req.Attachment != nil {
		section, err := s.attachmentSection(ctx, req.Attachment)
		if err != nil {
			return nil, err
		}
		attachmentSection = section
	}

	// 4. 上流リクエストの組み立て
	completion := assemble(project.SystemPrompt, req.History, req.Text, attachmentSection)

	// 5. 上流呼び出し。リトライはしない
	start := time.Now()
	result, err := s.completer.Complete(ctx, completion)
	s.metrics.RecordUpstreamLatency(time.Since(start))
	if err != nil {
		apiErr := classifyUpstreamError(err)
		slog.Warn("upstream completion failed",
			slog.String("user_id", req.UserID),
			slog.String("project_id", project.ID),
			slog.String("code", apiErr.Code),
			slog.String("error", err.Error()),
		)
		return nil, apiErr
	}

	return &Reply{
		Message: result.Text,
		Model:   result.Model,
		Usage:   result.Usage,
	}, nil
}

// validate は履歴のロール、ターン数、本文の有無を検証する。
func (s *Service) validate(req Request) error {
	for i, turn := range req.History {
		if !turn.Role.Valid() {
			return model.NewInvalidInputError(fmt.Sprintf("履歴の%d番目のロールが不正です", i+1))
		}
	}
	if s.config.MaxHistoryTurns > 0 && len(req.History)+1 > s.config.MaxHistoryTurns {
		return model.NewInvalidInputError(fmt.Sprintf("会話が長すぎます（上限 %d ターン）", s.config.MaxHistoryTurns))
	}
	if strings.TrimSpace(req.Text) == "" && req.Attachment == nil {
		return model.NewInvalidInputError("メッセージを入力するか、ファイルを添付してください")
	}
	return nil
}

// attachmentSection は添付ファイルから本文に追記するテキストを作る。
// 抽出できない場合もターンは中断せず、読み取れなかった旨の注記を返す。
// 制限時間切れの場合のみUPSTREAM_TIMEOUTを返す。
func (s *Service) attachmentSection(ctx context.Context, att *model.Attachment) (string, error) {
	res, err := s.extractor.Extract(ctx, att)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", model.NewUpstreamTimeoutError(fmt.Errorf("attachment extraction: %w", err))
		}
		slog.Info("attachment could not be read",
			slog.String("filename", att.Filename),
			slog.String("error", err.Error()),
		)
		return unreadableNote(att.Filename), nil
	}

	section := fmt.Sprintf("[Attached file: %s]\n%s", att.Filename, res.Text)
	if res.Truncated {
		section += "\n[The file content was truncated.]"
	}
	return section, nil
}

func unreadableNote(filename string) string {
	return fmt.Sprintf("[The attached file %q could not be read. Only the message text is available.]", filename)
}

// assemble は [system] + 履歴 + [新しいuserターン] の順にメッセージを並べる。
func assemble(systemPrompt string, history []model.Turn, text, attachmentSection string) llm.Completion {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})

	for _, turn := range history {
		role := llm.RoleUser
		if turn.Role == model.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}

	content := text
	if strings.TrimSpace(content) == "" {
		content = AttachmentPlaceholder
	}
	if attachmentSection != "" {
		content += "\n\n" + attachmentSection
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: content})

	return llm.Completion{Messages: messages}
}

// classifyUpstreamError は上流エラーをAPIErrorに分類する。
// 制限時間切れ（HTTPクライアントのタイムアウトを含む）はUPSTREAM_TIMEOUT、それ以外は全てUPSTREAM_ERRORとする。
func classifyUpstreamError(err error) *model.APIError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return model.NewUpstreamTimeoutError(err)
	}
	return model.NewUpstreamError(err)
}

// outcomeOf はメトリクス用の結果ラベルを返す。
func outcomeOf(err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	switch model.CodeOf(err) {
	case model.ErrCodeInvalidInput:
		return metrics.OutcomeInvalidInput
	case model.ErrCodeProjectNotFound:
		return metrics.OutcomeNotFound
	case model.ErrCodeUpstreamTimeout:
		return metrics.OutcomeUpstreamTimeout
	case model.ErrCodeUpstreamError:
		return metrics.OutcomeUpstreamError
	default:
		return metrics.OutcomeInternalError
	}
}
