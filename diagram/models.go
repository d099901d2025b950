// Package diagram defines generated diagrams.
package diagram

import (
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/types"
)

// Diagram is the stored result of one generation request: the prompt, the
// raw model response, the diagram syntax extracted from it and, once
// rendered, the SVG.
type Diagram struct {
	types.Entity
	ID              id.DiagramID `json:"id"`
	ProjectID       id.ProjectID `json:"projectId"`
	Prompt          string       `json:"prompt"`
	GPTResponse     string       `json:"gptResponse"`
	ExtractedSyntax string       `json:"extractedSyntax"`
	DiagramSVG      string       `json:"diagramSvg,omitempty"`
}
