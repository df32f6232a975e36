package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aqua-lzma/theory/internal/config"
)

const (
	ReplyPromptFile  = "reply.txt"
	MemoryPromptFile = "memory.txt"
)

// DefaultReplyPrompt is used when no reply prompt file exists. The scope's
// memory is appended after it.
const DefaultReplyPrompt = `You are a regular member of this group chat. You are given the recent
message history in the [MESSAGES] format, followed by your long term memory of the group.
Write the next message you would send. Reply with the message text only: no author tag,
no timestamp, no channel header. Keep it short and in the tone of the conversation.

[MEMORY]`

// DefaultMemoryPrompt is used when no memory prompt file exists. The current
// memory is appended after it and the expiring messages are sent as content.
const DefaultMemoryPrompt = `You maintain the long term memory of a group chat. You are given the
current memory below and a block of older messages in the [MESSAGES] format that are about
to be forgotten. Write an updated memory that keeps everything still useful from the current
memory and adds what matters from the messages: who the members are, running jokes, ongoing
topics, relationships and notable events. Output the complete new memory as plain text.

[CURRENT MEMORY]`

// Prompts holds the system instructions for the two generation purposes.
type Prompts struct {
	Reply  string
	Memory string
}

// LoadPrompts reads the configured prompt files. An unset path falls back to
// the prompts directory, and a missing file to the built-in text.
func LoadPrompts(cfg *config.Config) (Prompts, error) {
	reply, err := loadPrompt(cfg.Prompts.ReplyPath, filepath.Join(cfg.PromptsDir(), ReplyPromptFile), DefaultReplyPrompt)
	if err != nil {
		return Prompts{}, err
	}
	mem, err := loadPrompt(cfg.Prompts.MemoryPath, filepath.Join(cfg.PromptsDir(), MemoryPromptFile), DefaultMemoryPrompt)
	if err != nil {
		return Prompts{}, err
	}
	return Prompts{Reply: reply, Memory: mem}, nil
}

func loadPrompt(path, fallbackPath, builtin string) (string, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = fallbackPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return builtin, nil
		}
		return "", fmt.Errorf("read prompt %s: %w", path, err)
	}
	text := strings.TrimRight(string(data), "\n")
	if strings.TrimSpace(text) == "" {
		return builtin, nil
	}
	return text, nil
}

// WriteDefaultPrompts creates the prompt files in dir, leaving existing ones
// untouched.
func WriteDefaultPrompts(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create prompts dir: %w", err)
	}
	for name, text := range map[string]string{
		ReplyPromptFile:  DefaultReplyPrompt,
		MemoryPromptFile: DefaultMemoryPrompt,
	} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(text+"\n"), 0644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
