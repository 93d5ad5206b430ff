// Package provider 维护大模型后端的封闭枚举与查找表：每个 provider
// 对应一个 HTTP 端点、凭证环境变量、默认模型与响应解析方式。新增
// provider 只需增加一条表项（内置或 providers.yaml），核心逻辑不变。
package provider
