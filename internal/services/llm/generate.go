package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ScriptPrompt captures the instructions sent to the configured model when
// writing a narration script. The model must answer with JSON only so the
// response survives DecodeLLMJSON's sanitization.
const ScriptPrompt = `You write narration scripts for short-form videos.
Given a video title and optional category, produce a complete narration script.
Respond with JSON only, in the form {"script": "..."} with no other keys.`

// TitlesPrompt captures the instructions for proposing video titles.
const TitlesPrompt = `You propose engaging video titles for a themed channel.
Given a category and a count, produce that many distinct titles.
Respond with JSON only, in the form {"titles": ["...", "..."]} with no other keys.`

// ImagePromptPrompt captures the instructions for deriving an
// image-generation prompt from a narration script.
const ImagePromptPrompt = `You turn narration scripts into a single vivid image-generation prompt.
Respond with JSON only, in the form {"prompt": "..."} with no other keys.`

// Script captures the JSON payload returned by the LLM for script generation.
type Script struct {
	Script string `json:"script"`
	Raw    string `json:"-"`
}

// GenerateScript produces a narration script for a video title.
func (c *Client) GenerateScript(ctx context.Context, titleName, category string) (Script, error) {
	var empty Script
	titleName = strings.TrimSpace(titleName)
	if titleName == "" {
		return empty, errors.New("llm script: title required")
	}
	request := fmt.Sprintf("Title: %s", titleName)
	if category = strings.TrimSpace(category); category != "" {
		request += fmt.Sprintf("\nCategory: %s", category)
	}
	content, err := c.CompleteJSON(ctx, ScriptPrompt, request)
	if err != nil {
		return empty, err
	}
	var parsed Script
	if err := DecodeLLMJSON(content, &parsed); err != nil {
		return empty, fmt.Errorf("llm script: parse payload: %w", err)
	}
	parsed.Raw = content
	parsed.Script = strings.TrimSpace(parsed.Script)
	if parsed.Script == "" {
		return empty, errors.New("llm script: empty script in payload")
	}
	return parsed, nil
}

// GenerateTitles proposes distinct video titles for a channel category.
func (c *Client) GenerateTitles(ctx context.Context, category string, count int) ([]string, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return nil, errors.New("llm titles: category required")
	}
	if count <= 0 {
		count = 1
	}
	request := fmt.Sprintf("Category: %s\nCount: %d", category, count)
	content, err := c.CompleteJSON(ctx, TitlesPrompt, request)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Titles []string `json:"titles"`
	}
	if err := DecodeLLMJSON(content, &parsed); err != nil {
		return nil, fmt.Errorf("llm titles: parse payload: %w", err)
	}
	titles := make([]string, 0, len(parsed.Titles))
	for _, title := range parsed.Titles {
		if title = strings.TrimSpace(title); title != "" {
			titles = append(titles, title)
		}
		if len(titles) == count {
			break
		}
	}
	if len(titles) == 0 {
		return nil, errors.New("llm titles: no usable titles in payload")
	}
	return titles, nil
}

// GenerateImagePrompt derives an image-generation prompt from a script.
func (c *Client) GenerateImagePrompt(ctx context.Context, script string) (string, error) {
	script = strings.TrimSpace(script)
	if script == "" {
		return "", errors.New("llm image prompt: script required")
	}
	content, err := c.CompleteJSON(ctx, ImagePromptPrompt, script)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Prompt string `json:"prompt"`
	}
	if err := DecodeLLMJSON(content, &parsed); err != nil {
		return "", fmt.Errorf("llm image prompt: parse payload: %w", err)
	}
	prompt := strings.TrimSpace(parsed.Prompt)
	if prompt == "" {
		return "", errors.New("llm image prompt: empty prompt in payload")
	}
	return prompt, nil
}
