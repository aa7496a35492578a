package prompts

import "strings"

// ============================================================================
// Clip Metadata Prompts
// ============================================================================

// MetadataSystemPrompt defines the role and output contract for clip metadata generation.
const MetadataSystemPrompt = `You write metadata for short video clips. You only see the clip's transcript.

Rules:
1. Base every field ONLY on the transcript. Do not invent people, places or events.
2. Reply with a single JSON object and nothing else. No markdown, no commentary.
3. Use the language of the transcript.`

// metadataUserTemplate is filled by MetadataUserPrompt. {{TRANSCRIPT}} is replaced verbatim.
const metadataUserTemplate = `Analyze the following video clip transcript and generate relevant metadata.

Transcript:
---
{{TRANSCRIPT}}
---

Based ONLY on the transcript provided, generate the following metadata in JSON format:
{
  "title": "A concise, engaging title for this clip (max 10 words)",
  "description": "A brief summary of the clip's content (1-2 sentences)",
  "keywords": ["list", "of", "relevant", "keywords", "or", "tags"]
}

JSON Output:`

// EmptyTranscriptPlaceholder stands in for a transcript with no recognized speech.
const EmptyTranscriptPlaceholder = "Transcript not provided."

// MetadataUserPrompt builds the user prompt for a clip transcript.
func MetadataUserPrompt(transcript string) string {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		transcript = EmptyTranscriptPlaceholder
	}
	return strings.Replace(metadataUserTemplate, "{{TRANSCRIPT}}", transcript, 1)
}
