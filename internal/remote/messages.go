package remote

import (
	"encoding/base64"

	"github.com/sashabaranov/go-openai"
)

func TextMessage(role, text string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: role, Content: text}
}

// VisionMessage builds a user message carrying the images first and the
// prompt last, the order vision servers expect.
func VisionMessage(prompt string, imageURLs ...string) openai.ChatCompletionMessage {
	parts := make([]openai.ChatMessagePart, 0, len(imageURLs)+1)
	for _, u := range imageURLs {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: u},
		})
	}
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: prompt,
	})
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// PNGDataURL wraps encoded PNG bytes in a data URL.
func PNGDataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// Messages prepends a system message when system is non-empty.
func Messages(system string, rest ...openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(rest)+1)
	if system != "" {
		out = append(out, TextMessage(openai.ChatMessageRoleSystem, system))
	}
	return append(out, rest...)
}
