// Package textutil provides text processing utilities for title
// normalization, similarity, and filename sanitization.
//
// The primary use cases are:
//   - Normalizing LLM-generated video titles for display
//   - Creating token-based fingerprints from text for duplicate detection
//   - Computing cosine similarity between fingerprints
//   - Sanitizing filenames and path segments for safe filesystem use
//
// Fingerprints use term frequency vectors normalized for efficient comparison.
// The tokenization process lowercases text, splits on non-alphanumeric
// characters, and filters tokens shorter than 3 characters.
package textutil
