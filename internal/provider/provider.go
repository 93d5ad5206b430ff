package provider

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "vector-llm/internal/errors"
)

// ID 标识一个大模型 provider。
type ID string

const (
	Deepseek  ID = "deepseek"
	Anthropic ID = "anthropic"
)

// AuthStyle 描述凭证的传递方式。
type AuthStyle string

const (
	// AuthBearer 通过 Authorization: Bearer 头传递凭证。
	AuthBearer AuthStyle = "bearer"
	// AuthAPIKeyHeader 通过 x-api-key 头传递凭证。
	AuthAPIKeyHeader AuthStyle = "x-api-key"
)

// ParseStyle 决定响应体的首选解析分支。
type ParseStyle string

const (
	// ParseChoices 优先解析 choices[0].message.content（OpenAI 形态）。
	ParseChoices ParseStyle = "choices"
	// ParseContent 优先解析顶层 content 块列表（Anthropic 形态）。
	ParseContent ParseStyle = "content"
)

// Definition 是 provider 查找表中的一条记录。
type Definition struct {
	ID       ID     `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	// CredentialEnvs 按优先级列出凭证环境变量，第一个为主名。
	CredentialEnvs []string          `yaml:"credential_envs"`
	Auth           AuthStyle         `yaml:"auth"`
	Parse          ParseStyle        `yaml:"parse"`
	Headers        map[string]string `yaml:"headers"`
	// MaxTokens 大于零时随请求一起发送（Anthropic 必填）。
	MaxTokens int `yaml:"max_tokens"`
}

const (
	deepseekEndpoint  = "https://api.deepseek.com/chat/completions"
	anthropicEndpoint = "https://api.anthropic.com/v1/messages"

	defaultAnthropicModel = "claude-sonnet-4-20250514"
)

// Registry 保存全部已知 provider 的定义。
type Registry struct {
	defs map[ID]Definition
}

// NewRegistry 创建包含内置 provider 的查找表。
func NewRegistry() *Registry {
	anthropicModel := strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL"))
	if anthropicModel == "" {
		anthropicModel = defaultAnthropicModel
	}

	r := &Registry{defs: make(map[ID]Definition)}
	r.register(Definition{
		ID:             Deepseek,
		Endpoint:       deepseekEndpoint,
		Model:          "deepseek-chat",
		CredentialEnvs: []string{"DEEPSEEK_API_KEY", "DEEPSEEK"},
		Auth:           AuthBearer,
		Parse:          ParseChoices,
	})
	r.register(Definition{
		ID:             Anthropic,
		Endpoint:       anthropicEndpoint,
		Model:          anthropicModel,
		CredentialEnvs: []string{"ANTHROPIC_API_KEY", "ANTHROPIC"},
		Auth:           AuthAPIKeyHeader,
		Parse:          ParseContent,
		Headers:        map[string]string{"anthropic-version": "2023-06-01"},
		MaxTokens:      2048,
	})
	return r
}

func (r *Registry) register(def Definition) {
	r.defs[def.ID] = def
}

// LoadFile 从 YAML 文件合并额外的 provider 定义，同名表项覆盖内置值。
func (r *Registry) LoadFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取 provider 定义失败: %w", err)
	}
	var file struct {
		Providers []Definition `yaml:"providers"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("解析 provider 定义失败: %w", err)
	}
	for _, def := range file.Providers {
		def.ID = ID(strings.ToLower(strings.TrimSpace(string(def.ID))))
		if def.ID == "" {
			return xerrors.New(xerrors.CodeValidation, "provider 定义缺少 id")
		}
		if def.Endpoint == "" || def.Model == "" || len(def.CredentialEnvs) == 0 {
			return xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("provider %s 缺少 endpoint/model/credential_envs", def.ID))
		}
		if def.Auth == "" {
			def.Auth = AuthBearer
		}
		if def.Parse == "" {
			def.Parse = ParseChoices
		}
		r.register(def)
	}
	return nil
}

// Lookup 返回指定 provider 的定义。
func (r *Registry) Lookup(id ID) (Definition, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// Known 对名称做大小写无关的匹配，返回对应的 provider ID。
func (r *Registry) Known(name string) (ID, bool) {
	normalized := ID(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := r.defs[normalized]; ok {
		return normalized, true
	}
	return "", false
}

// IDs 返回全部已注册的 provider，供日志与校验使用。
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	return ids
}
