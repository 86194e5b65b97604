// Package project はプロジェクト（システムプロンプト付きの会話スコープ）管理のドメインロジックを提供する。
package project

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/promptroom/internal/model"
	"github.com/hitoshi/promptroom/internal/repository"
)

// maxNameLength はプロジェクト名の最大文字数（rune単位）。
const maxNameLength = 200

// Service はプロジェクト管理のサービス層。
type Service struct {
	projectRepo repository.ProjectRepository
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(projectRepo repository.ProjectRepository) *Service {
	return &Service{
		projectRepo: projectRepo,
		now:         time.Now,
	}
}

// Create はユーザーが所有するプロジェクトを作成する。
// 名前とシステムプロンプトは前後の空白を除去し、空の場合はINVALID_INPUTを返す。
func (s *Service) Create(ctx context.Context, userID, name, systemPrompt string) (*model.Project, error) {
	name = strings.TrimSpace(name)
	systemPrompt = strings.TrimSpace(systemPrompt)

	if name == "" {
		return nil, model.NewInvalidInputError("プロジェクト名を入力してください")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, model.NewInvalidInputError(fmt.Sprintf("プロジェクト名は%d文字以内にしてください", maxNameLength))
	}
	if systemPrompt == "" {
		return nil, model.NewInvalidInputError("システムプロンプトを入力してください")
	}

	p := &model.Project{
		ID:           uuid.New().String(),
		UserID:       userID,
		Name:         name,
		SystemPrompt: systemPrompt,
		CreatedAt:    s.now(),
	}
	if err := s.projectRepo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("プロジェクトの作成に失敗しました: %w", err)
	}

	slog.Info("project created",
		slog.String("user_id", userID),
		slog.String("project_id", p.ID),
	)
	return p, nil
}

// ListForUser はユーザーのプロジェクト一覧を作成日時の降順で返す。
// 0件の場合は空スライスを返す。
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*model.Project, error) {
	projects, err := s.projectRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクト一覧の取得に失敗しました: %w", err)
	}
	if projects == nil {
		projects = []*model.Project{}
	}
	return projects, nil
}

// GetOwned はユーザーが所有するプロジェクトを返す。
// 存在しない場合、他ユーザーの所有である場合、IDがUUID形式でない場合は
// いずれも同一のPROJECT_NOT_FOUNDを返す。
func (s *Service) GetOwned(ctx context.Context, userID, projectID string) (*model.Project, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return nil, model.NewProjectNotFoundError()
	}

	p, err := s.projectRepo.FindOwned(ctx, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクトの取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewProjectNotFoundError()
	}
	return p, nil
}
