package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/hitoshi/promptroom/internal/chat"
	"github.com/hitoshi/promptroom/internal/middleware"
	"github.com/hitoshi/promptroom/internal/model"
)

const (
	// multipartOverheadBytes は添付ファイル以外のフォーム項目とバウンダリに許容する追加サイズ。
	multipartOverheadBytes = 2 << 20
	// multipartMemoryBytes はParseMultipartFormがメモリに保持する上限。超過分は一時ファイルに書き出される。
	multipartMemoryBytes = 8 << 20
)

// ChatServiceInterface はチャットハンドラーが必要とするサービスインターフェース。
type ChatServiceInterface interface {
	Relay(ctx context.Context, req chat.Request) (*chat.Reply, error)
}

// ChatHandler はチャット中継のHTTPハンドラー。
type ChatHandler struct {
	service           ChatServiceInterface
	attachmentMaxSize int64
}

// NewChatHandler はChatHandlerを生成する。
func NewChatHandler(service ChatServiceInterface, attachmentMaxSize int64) *ChatHandler {
	return &ChatHandler{
		service:           service,
		attachmentMaxSize: attachmentMaxSize,
	}
}

// chatResponse はチャット中継のAPIレスポンス。
type chatResponse struct {
	Message string `json:"message"`
}

// Chat は会話の1ターンを上流LLMへ中継する。
// POST /chat (multipart/form-data: projectId, messages, message, file)
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthenticated(w)
		return
	}

	// 1. multipartフォームの解析。ボディ全体の上限で巨大な添付を早期に打ち切る
	r.Body = http.MaxBytesReader(w, r.Body, h.attachmentMaxSize+multipartOverheadBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			handleServiceError(w, model.NewAttachmentTooLargeError(h.attachmentMaxSize))
			return
		}
		handleServiceError(w, model.NewInvalidInputError("multipart/form-dataの解析に失敗しました"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	// 2. 会話履歴と新しいターンの決定
	history, err := parseHistory(r.FormValue("messages"))
	if err != nil {
		handleServiceError(w, model.NewInvalidInputError("messagesが正しいJSON配列ではありません"))
		return
	}
	var text string
	if values, ok := r.MultipartForm.Value["message"]; ok && len(values) > 0 {
		text = values[0]
	} else if n := len(history); n > 0 && history[n-1].Role == model.RoleUser {
		text = history[n-1].Content
		history = history[:n-1]
	}

	// 3. 添付ファイルの読み込み
	att, err := h.readAttachment(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// 4. 中継
	reply, err := h.service.Relay(r.Context(), chat.Request{
		UserID:     userID,
		ProjectID:  r.FormValue("projectId"),
		History:    history,
		Text:       text,
		Attachment: att,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Message: reply.Message})
}

// parseHistory はmessagesフィールドのJSONを会話ターンの配列に変換する。
// 空文字列は履歴なしとして扱う。
func parseHistory(raw string) ([]model.Turn, error) {
	if raw == "" {
		return nil, nil
	}
	var turns []model.Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

// readAttachment はfileフィールドを読み込む。添付がない場合はnilを返す。
func (h *ChatHandler) readAttachment(r *http.Request) (*model.Attachment, error) {
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewInvalidInputError("添付ファイルを読み込めませんでした")
	}
	defer file.Close()

	if header.Size > h.attachmentMaxSize {
		return nil, model.NewAttachmentTooLargeError(h.attachmentMaxSize)
	}
	data, err := readLimited(file, h.attachmentMaxSize)
	if err != nil {
		return nil, err
	}

	slog.Debug("attachment received",
		slog.String("filename", header.Filename),
		slog.Int("size", len(data)),
	)
	return &model.Attachment{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// readLimited は上限+1バイトまで読み込み、上限を超えた場合はATTACHMENT_TOO_LARGEを返す。
func readLimited(file multipart.File, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, model.NewInvalidInputError("添付ファイルを読み込めませんでした")
	}
	if int64(len(data)) > limit {
		return nil, model.NewAttachmentTooLargeError(limit)
	}
	return data, nil
}
