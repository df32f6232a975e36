package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Render formats records as the plain-text transcript given to the model.
func Render(records []Record) string {
	var sb strings.Builder
	sb.WriteString("[MESSAGES]\n")
	for _, r := range records {
		fmt.Fprintf(&sb, "#%s\n", r.Channel)
		if r.ReplyTo != nil {
			fmt.Fprintf(&sb, "[REPLY @%s] \"%s\":\n", r.ReplyTo.Author, r.ReplyTo.Message)
		}
		fmt.Fprintf(&sb, "[%s] %s\n", r.Author, r.Created)
		sb.WriteString(r.Body)
		sb.WriteString("\n")
		if len(r.Attachments) > 0 {
			sb.WriteString(jsonList(r.Attachments))
			sb.WriteString("\n")
		}
		if len(r.Embeds) > 0 {
			sb.WriteString(jsonList(r.Embeds))
			sb.WriteString("\n")
		}
		if len(r.Reactions) > 0 {
			parts := make([]string, len(r.Reactions))
			for i, re := range r.Reactions {
				parts[i] = "@" + re.User + ": " + re.Emoji
			}
			sb.WriteString("[REACTIONS]\n")
			sb.WriteString(strings.Join(parts, ", "))
			sb.WriteString("\n")
		}
		sb.WriteString("---\n")
	}
	return sb.String()
}

func jsonList(items []string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(items); err != nil {
		return "[]"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// WriteReadable dumps the transcript of records to path.
func WriteReadable(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create readable dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(Render(records)), 0644); err != nil {
		return fmt.Errorf("write readable dump: %w", err)
	}
	return nil
}
