package mongo

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

	ID             string    `grove:"id,pk"            bson:"_id"`
	ExternalAuthID string    `grove:"external_auth_id" bson:"external_auth_id"`
	Email          string    `grove:"email"            bson:"email,omitempty"`
	CreditBalance  int64     `grove:"credit_balance"   bson:"credit_balance"`
	CreatedAt      time.Time `grove:"created_at"       bson:"created_at"`
	UpdatedAt      time.Time `grove:"updated_at"       bson:"updated_at"`
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

// processedEventModel is keyed by the event id so the _id index enforces
// one record per event.
type processedEventModel struct {
	grove.BaseModel `grove:"table:chartable_processed_events"`

	EventID      string    `grove:"id,pk"         bson:"_id"`
	UserID       string    `grove:"user_id"       bson:"user_id"`
	Amount       int64     `grove:"amount"        bson:"amount"`
	Tier         string    `grove:"tier"          bson:"tier,omitempty"`
	SessionID    string    `grove:"session_id"    bson:"session_id,omitempty"`
	Provider     string    `grove:"provider"      bson:"provider,omitempty"`
	BalanceAfter int64     `grove:"balance_after" bson:"balance_after"`
	AppliedAt    time.Time `grove:"applied_at"    bson:"applied_at"`
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

	ID             string              `grove:"id,pk"           bson:"_id"`
	UserID         string              `grove:"user_id"         bson:"user_id"`
	Title          string              `grove:"title"           bson:"title"`
	DiagramType    string              `grove:"diagram_type"    bson:"diagram_type"`
	CurrentDiagram string              `grove:"current_diagram" bson:"current_diagram"`
	History        []historyEntryModel `grove:"history"         bson:"history"`
	CreatedAt      time.Time           `grove:"created_at"      bson:"created_at"`
	UpdatedAt      time.Time           `grove:"updated_at"      bson:"updated_at"`
}

type historyEntryModel struct {
	ID           string    `bson:"id"`
	Prompt       string    `bson:"prompt,omitempty"`
	Diagram      string    `bson:"diagram"`
	DiagramImage string    `bson:"diagram_img,omitempty"`
	UpdateType   string    `bson:"update_type"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func toProjectModel(p *project.Project) *projectModel {
	history := make([]historyEntryModel, len(p.History))
	for i := range p.History {
		history[i] = toHistoryEntryModel(&p.History[i])
	}
	return &projectModel{
		ID:             p.ID.String(),
		UserID:         p.UserID.String(),
		Title:          p.Title,
		DiagramType:    p.DiagramType,
		CurrentDiagram: p.CurrentDiagram,
		History:        history,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func toHistoryEntryModel(e *project.HistoryEntry) historyEntryModel {
	return historyEntryModel{
		ID:           e.ID.String(),
		Prompt:       e.Prompt,
		Diagram:      e.Diagram,
		DiagramImage: e.DiagramImage,
		UpdateType:   string(e.UpdateType),
		UpdatedAt:    e.UpdatedAt,
	}
}

func fromProjectModel(m *projectModel) (*project.Project, error) {
	projectID, err := id.ParseProjectID(m.ID)
	if err != nil {
		return nil, err
	}
	userID, err := id.ParseUserID(m.UserID)
	if err != nil {
		return nil, err
	}

	history := make([]project.HistoryEntry, len(m.History))
	for i, h := range m.History {
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

	ID              string    `grove:"id,pk"            bson:"_id"`
	ProjectID       string    `grove:"project_id"       bson:"project_id,omitempty"`
	Prompt          string    `grove:"prompt"           bson:"prompt"`
	GPTResponse     string    `grove:"gpt_response"     bson:"gpt_response"`
	ExtractedSyntax string    `grove:"extracted_syntax" bson:"extracted_syntax"`
	DiagramSVG      string    `grove:"diagram_svg"      bson:"diagram_svg,omitempty"`
	CreatedAt       time.Time `grove:"created_at"       bson:"created_at"`
	UpdatedAt       time.Time `grove:"updated_at"       bson:"updated_at"`
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
