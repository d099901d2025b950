package postgres

import (
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/diagram"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/project"
	"github.com/xraph/chartable/types"
	"github.com/xraph/chartable/user"
)

// ==================== User models ====================

type userModel struct {
	grove.BaseModel `grove:"table:chartable_users"`

	ID             string    `grove:"id,pk"`
	ExternalAuthID string    `grove:"external_auth_id"`
	Email          string    `grove:"email"`
	CreditBalance  int64     `grove:"credit_balance"`
	CreatedAt      time.Time `grove:"created_at"`
	UpdatedAt      time.Time `grove:"updated_at"`
}

func toUserModel(u *user.User) *userModel {
	return &userModel{
		ID:             u.ID.String(),
		ExternalAuthID: u.ExternalAuthID,
		Email:          u.Email,
		CreditBalance:  u.CreditBalance.Int64(),
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

func fromUserModel(m *userModel) (*user.User, error) {
	userID, err := id.ParseUserID(m.ID)
	if err != nil {
		return nil, err
	}
	return &user.User{
		Entity:         types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:             userID,
		ExternalAuthID: m.ExternalAuthID,
		Email:          m.Email,
		CreditBalance:  types.Credits(m.CreditBalance),
	}, nil
}

// ==================== Processed event models ====================

type processedEventModel struct {
	grove.BaseModel `grove:"table:chartable_processed_events"`

	EventID      string    `grove:"event_id,pk"`
	UserID       string    `grove:"user_id"`
	Amount       int64     `grove:"amount"`
	Tier         string    `grove:"tier"`
	SessionID    string    `grove:"session_id"`
	Provider     string    `grove:"provider"`
	BalanceAfter int64     `grove:"balance_after"`
	AppliedAt    time.Time `grove:"applied_at"`
}

func toProcessedEventModel(e *credit.ProcessedEvent) *processedEventModel {
	return &processedEventModel{
		EventID:      e.EventID,
		UserID:       e.UserID.String(),
		Amount:       e.Amount.Int64(),
		Tier:         e.Tier,
		SessionID:    e.SessionID,
		Provider:     e.Provider,
		BalanceAfter: e.BalanceAfter.Int64(),
		AppliedAt:    e.AppliedAt,
	}
}

func fromProcessedEventModel(m *processedEventModel) (*credit.ProcessedEvent, error) {
	userID, err := id.ParseUserID(m.UserID)
	if err != nil {
		return nil, err
	}
	return &credit.ProcessedEvent{
		EventID:      m.EventID,
		UserID:       userID,
		Amount:       types.Credits(m.Amount),
		Tier:         m.Tier,
		SessionID:    m.SessionID,
		Provider:     m.Provider,
		BalanceAfter: types.Credits(m.BalanceAfter),
		AppliedAt:    m.AppliedAt,
	}, nil
}

// ==================== Project models ====================

type projectModel struct {
	grove.BaseModel `grove:"table:chartable_projects"`

	ID             string    `grove:"id,pk"`
	UserID         string    `grove:"user_id"`
	Title          string    `grove:"title"`
	DiagramType    string    `grove:"diagram_type"`
	CurrentDiagram string    `grove:"current_diagram"`
	CreatedAt      time.Time `grove:"created_at"`
	UpdatedAt      time.Time `grove:"updated_at"`
}

// historyModel rows are read back in seq order; seq is assigned by the
// database on insert.
type historyModel struct {
	grove.BaseModel `grove:"table:chartable_project_history"`

	Seq          int64     `grove:"seq,pk,autoincrement"`
	ID           string    `grove:"id"`
	ProjectID    string    `grove:"project_id"`
	Prompt       string    `grove:"prompt"`
	Diagram      string    `grove:"diagram"`
	DiagramImage string    `grove:"diagram_img"`
	UpdateType   string    `grove:"update_type"`
	UpdatedAt    time.Time `grove:"updated_at"`
}

func toProjectModel(p *project.Project) *projectModel {
	return &projectModel{
		ID:             p.ID.String(),
		UserID:         p.UserID.String(),
		Title:          p.Title,
		DiagramType:    p.DiagramType,
		CurrentDiagram: p.CurrentDiagram,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func toHistoryModel(projectID id.ProjectID, e *project.HistoryEntry) *historyModel {
	return &historyModel{
		ID:           e.ID.String(),
		ProjectID:    projectID.String(),
		Prompt:       e.Prompt,
		Diagram:      e.Diagram,
		DiagramImage: e.DiagramImage,
		UpdateType:   string(e.UpdateType),
		UpdatedAt:    e.UpdatedAt,
	}
}

// fromProjectModel assembles a project from its row and history rows, which
// must already be ordered newest first.
func fromProjectModel(m *projectModel, rows []historyModel) (*project.Project, error) {
	projectID, err := id.ParseProjectID(m.ID)
	if err != nil {
		return nil, err
	}
	userID, err := id.ParseUserID(m.UserID)
	if err != nil {
		return nil, err
	}

	history := make([]project.HistoryEntry, len(rows))
	for i, h := range rows {
		hID, err := id.ParseHistoryID(h.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse history ID %q: %w", h.ID, err)
		}
		history[i] = project.HistoryEntry{
			ID:           hID,
			Prompt:       h.Prompt,
			Diagram:      h.Diagram,
			DiagramImage: h.DiagramImage,
			UpdateType:   project.UpdateType(h.UpdateType),
			UpdatedAt:    h.UpdatedAt,
		}
	}

	return &project.Project{
		Entity:         types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:             projectID,
		UserID:         userID,
		Title:          m.Title,
		DiagramType:    m.DiagramType,
		CurrentDiagram: m.CurrentDiagram,
		History:        history,
	}, nil
}

// ==================== Diagram models ====================

type diagramModel struct {
	grove.BaseModel `grove:"table:chartable_diagrams"`

	ID              string    `grove:"id,pk"`
	ProjectID       string    `grove:"project_id"`
	Prompt          string    `grove:"prompt"`
	GPTResponse     string    `grove:"gpt_response"`
	ExtractedSyntax string    `grove:"extracted_syntax"`
	DiagramSVG      string    `grove:"diagram_svg"`
	CreatedAt       time.Time `grove:"created_at"`
	UpdatedAt       time.Time `grove:"updated_at"`
}

func toDiagramModel(d *diagram.Diagram) *diagramModel {
	return &diagramModel{
		ID:              d.ID.String(),
		ProjectID:       d.ProjectID.String(),
		Prompt:          d.Prompt,
		GPTResponse:     d.GPTResponse,
		ExtractedSyntax: d.ExtractedSyntax,
		DiagramSVG:      d.DiagramSVG,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func fromDiagramModel(m *diagramModel) (*diagram.Diagram, error) {
	diagramID, err := id.ParseDiagramID(m.ID)
	if err != nil {
		return nil, err
	}
	var projectID id.ProjectID
	if m.ProjectID != "" {
		if projectID, err = id.ParseProjectID(m.ProjectID); err != nil {
			return nil, err
		}
	}
	return &diagram.Diagram{
		Entity:          types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:              diagramID,
		ProjectID:       projectID,
		Prompt:          m.Prompt,
		GPTResponse:     m.GPTResponse,
		ExtractedSyntax: m.ExtractedSyntax,
		DiagramSVG:      m.DiagramSVG,
	}, nil
}

func now() time.Time { return time.Now().UTC() }
