// Package project defines diagram projects and their edit history.
package project

import (
	"time"

	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/types"
)

// UpdateType says how a history entry was produced.
type UpdateType string

const (
	UpdateChat      UpdateType = "chat"      // generated from a prompt
	UpdateCode      UpdateType = "code"      // edited by hand
	UpdateReversion UpdateType = "reversion" // restored from an older entry
)

// Valid reports whether u is a known update type.
func (u UpdateType) Valid() bool {
	switch u {
	case UpdateChat, UpdateCode, UpdateReversion:
		return true
	default:
		return false
	}
}

// Project is a user's diagram workspace.
type Project struct {
	types.Entity
	ID             id.ProjectID `json:"id"`
	UserID         id.UserID    `json:"userId"`
	Title          string       `json:"title"`
	DiagramType    string       `json:"diagramType"`
	CurrentDiagram string       `json:"currentDiagram"`

	// History is ordered newest first.
	History []HistoryEntry `json:"history"`
}

// HistoryEntry is an immutable record of one change to a project's diagram.
type HistoryEntry struct {
	ID           id.HistoryID `json:"id"`
	Prompt       string       `json:"prompt,omitempty"`
	Diagram      string       `json:"diagram"`
	DiagramImage string       `json:"diagram_img,omitempty"`
	UpdateType   UpdateType   `json:"updateType"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}
