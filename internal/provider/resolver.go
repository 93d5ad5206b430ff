package provider

// Settings 是解析 provider 时用到的进程级配置快照。
type Settings struct {
	// Configured 是进程配置中的 provider 选择（LLM_PROVIDER 优先于 LLM）。
	Configured string
	// Testing 为真时兜底到低成本的测试 provider。
	Testing bool
}

// Resolver 把可选的显式提示映射为一个确定的 provider。
// 给定相同的提示与配置快照，结果恒定；解析永远成功。
type Resolver struct {
	registry *Registry
	settings Settings

	testDefault ID
	prodDefault ID
}

// NewResolver 创建解析器。测试模式默认 deepseek，生产默认 anthropic。
func NewResolver(registry *Registry, settings Settings) *Resolver {
	return &Resolver{
		registry:    registry,
		settings:    settings,
		testDefault: Deepseek,
		prodDefault: Anthropic,
	}
}

// Resolve 按固定顺序解析：显式提示 → 进程配置 → 模式默认值。
func (r *Resolver) Resolve(hint string) ID {
	if id, ok := r.registry.Known(hint); ok {
		return id
	}
	if id, ok := r.registry.Known(r.settings.Configured); ok {
		return id
	}
	if r.settings.Testing {
		return r.testDefault
	}
	return r.prodDefault
}
