package provider

import (
	"encoding/json"
	"strings"
)

// completionPayload 覆盖已知厂商响应的两种形态，未命中的字段保持零值。
type completionPayload struct {
	OutputText string          `json:"output_text"`
	Choices    []choiceEntry   `json:"choices"`
	Content    json.RawMessage `json:"content"`
}

type choiceEntry struct {
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// contentBlock 是块列表中的一个元素：直接文本或嵌套的 content。
type contentBlock struct {
	Text    *string         `json:"text"`
	Content json.RawMessage `json:"content"`
}

// ExtractText 从响应体中按 provider 的解析形态提取全部文本片段。
// 解析从不报错：无法识别的结构退化为空字符串。
func ExtractText(style ParseStyle, raw []byte) string {
	var payload completionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	if strings.TrimSpace(payload.OutputText) != "" {
		return payload.OutputText
	}

	fromChoices := func() string {
		if len(payload.Choices) == 0 {
			return ""
		}
		return extractBlocks(payload.Choices[0].Message.Content)
	}
	fromContent := func() string {
		return extractBlocks(payload.Content)
	}

	if style == ParseContent {
		if text := fromContent(); text != "" {
			return text
		}
		return fromChoices()
	}
	if text := fromChoices(); text != "" {
		return text
	}
	return fromContent()
}

// extractBlocks 处理字符串或块列表两种形态，按文档顺序拼接全部文本，
// 嵌套的 content 列表递归展开。
func extractBlocks(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	// 纯字符串载荷原样返回，只有拼接后的块列表才做裁剪。
	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var builder strings.Builder
	for _, rawBlock := range blocks {
		var text string
		if err := json.Unmarshal(rawBlock, &text); err == nil {
			builder.WriteString(text)
			continue
		}
		var block contentBlock
		if err := json.Unmarshal(rawBlock, &block); err != nil {
			continue
		}
		if block.Text != nil {
			builder.WriteString(*block.Text)
			continue
		}
		if nested := extractBlocks(block.Content); nested != "" {
			builder.WriteString(nested)
		}
	}
	return strings.TrimSpace(builder.String())
}
