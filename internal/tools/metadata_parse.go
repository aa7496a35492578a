package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/timmy/clipforge/internal/domain"
)

// parseMetadataReply decodes a model reply into GeneratedMetadata. Markdown
// code fences around the JSON are tolerated. Missing keys or a non-list
// keywords value are permanent errors.
func parseMetadataReply(tool, reply string) (*GeneratedMetadata, error) {
	text := stripCodeFence(reply)
	if text == "" {
		return nil, domain.NewToolError(tool, "empty response", nil)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, domain.NewToolError(tool, fmt.Sprintf("failed to parse JSON response: %s", truncate(text, 200)), err)
	}
	for _, key := range []string{"title", "description", "keywords"} {
		if _, ok := fields[key]; !ok {
			return nil, domain.NewPermanentToolError(tool, fmt.Sprintf("response missing required metadata key %q", key), nil)
		}
	}

	var meta GeneratedMetadata
	if err := json.Unmarshal(fields["title"], &meta.Title); err != nil {
		return nil, domain.NewPermanentToolError(tool, "title is not a string", err)
	}
	if err := json.Unmarshal(fields["description"], &meta.Description); err != nil {
		return nil, domain.NewPermanentToolError(tool, "description is not a string", err)
	}
	if strings.TrimSpace(string(fields["keywords"])) == "null" {
		return nil, domain.NewPermanentToolError(tool, "keywords is not a list", nil)
	}
	if err := json.Unmarshal(fields["keywords"], &meta.Keywords); err != nil {
		return nil, domain.NewPermanentToolError(tool, "keywords is not a list", err)
	}

	meta.Title = strings.TrimSpace(meta.Title)
	meta.Description = strings.TrimSpace(meta.Description)
	keywords := meta.Keywords[:0]
	for _, k := range meta.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	meta.Keywords = keywords
	return &meta, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
