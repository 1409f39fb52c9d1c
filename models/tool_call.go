package models

import (
	"encoding/json"
	"fmt"
)

const ContentTypeText = "text"

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCallResult is the only shape returned to the conversational layer
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

func NewTextResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: ContentTypeText, Text: text}}}
}

func NewErrorResult(message string) ToolCallResult {
	result := NewTextResult(message)
	result.IsError = true
	return result
}

// NewJSONResult serializes payload into a single text block
func NewJSONResult(payload any) (ToolCallResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ToolCallResult{}, fmt.Errorf("failed to serialize tool result: %w", err)
	}
	return NewTextResult(string(data)), nil
}

// Text returns the concatenated text of all blocks
func (r ToolCallResult) Text() string {
	text := ""
	for _, block := range r.Content {
		text += block.Text
	}
	return text
}
