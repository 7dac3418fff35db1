// Package llm provides an OpenRouter chat client for content generation.
//
// This package is used by:
//   - Script stage: write the narration script for a scheduled video
//   - Image stage: derive an image prompt from a finished script
//   - Auto-scheduling: generate fresh video titles for a channel category
//
// # Generation Logic
//
// The client sends a structured prompt to a configured LLM model requesting
// JSON-only output. Responses are decoded tolerantly: code fences are
// stripped, and content is extracted from message, delta, legacy text, and
// tool-call shapes.
//
// # Configuration
//
// Requires api_key, model, and optionally base_url, referer, title, timeout.
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.CompleteJSON: send system/user prompts, receive JSON response.
// Client.GenerateScript: produce a narration script for a title.
// Client.GenerateTitles: produce candidate titles for a category.
// Client.GenerateImagePrompt: derive a thumbnail prompt from a script.
// Client.HealthCheck: verify API key and model availability.
//
// # Retry Behaviour
//
// The client retries on HTTP 408/429/5xx errors, network timeouts, and
// empty-content responses with exponential backoff (base 1s, max 10s, up to
// 5 attempts by default). Context cancellation aborts retries immediately.
package llm
