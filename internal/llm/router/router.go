package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"SolRounds/internal/config"
	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/llm"
	"SolRounds/internal/llm/openai"
	"SolRounds/pkg/logger"
)

// Route 是一条 provider + model 组合。
type Route struct {
	Provider string
	Model    string
}

// defaultBaseURLs 列出各 provider 的 OpenAI 兼容端点。
var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/openai",
	"cohere":     "https://api.cohere.ai/compatibility/v1",
}

// defaultModels 在角色未显式指定模型时按 provider 取默认模型。
var defaultModels = map[string]string{
	"deepseek":   "deepseek-reasoner",
	"gemini":     "gemini-2.0-flash-exp",
	"mistral":    "mistral-large-latest",
	"openai":     "gpt-4o-mini",
	"cohere":     "command-nightly",
	"openrouter": "anthropic/claude-2",
}

// defaultRoleProviders 在角色未配置 provider 时的缺省绑定。
var defaultRoleProviders = map[string]string{
	"technical":   "openai",
	"fundamental": "openai",
	"sentiment":   "cohere",
	"synopsis":    "gemini",
	"extractor":   "mistral",
}

// Router 把逻辑分析角色映射到有序的 provider 路由表。
// 路由表在构造时确定，进程生命周期内不再变化。
type Router struct {
	clients map[string]llm.Client
	table   map[string][]Route
	log     *slog.Logger
}

// New 根据配置构建路由器。只有配置了 API Key 的 provider 才会建立客户端；
// 角色路由链中指向未配置 provider 的条目会被剔除。
func New(agents config.AgentsConfig, llmCfg config.LLMConfig) (*Router, error) {
	clients := make(map[string]llm.Client)
	for name, providerCfg := range llmCfg.Providers {
		name = strings.ToLower(strings.TrimSpace(name))
		apiKey := providerCfg.ResolveAPIKey()
		if apiKey == "" {
			continue
		}
		baseURL := providerCfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURLs[name]
		}
		client, err := openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: baseURL,
			Timeout: providerCfg.Timeout(),
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err,
				fmt.Sprintf("初始化 provider %s 失败", name))
		}
		clients[name] = client
	}
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "没有任何可用的大模型 provider")
	}

	table := make(map[string][]Route)
	for role, roleCfg := range agents.Roles {
		role = strings.ToLower(strings.TrimSpace(role))
		routes := buildRoleRoutes(role, roleCfg, clients)
		if len(routes) == 0 {
			continue
		}
		table[role] = routes
	}

	return &Router{
		clients: clients,
		table:   table,
		log:     logger.Named("llm_router"),
	}, nil
}

// buildRoleRoutes 生成某个角色的有序路由链：主路由在前，配置的回退在后。
func buildRoleRoutes(role string, roleCfg config.RoleConfig, clients map[string]llm.Client) []Route {
	candidates := make([]config.ModelRoute, 0, 1+len(roleCfg.Fallbacks))

	provider := strings.ToLower(strings.TrimSpace(roleCfg.Provider))
	if provider == "" {
		provider = defaultRoleProviders[role]
	}
	candidates = append(candidates, config.ModelRoute{Provider: provider, Model: roleCfg.Model})
	candidates = append(candidates, roleCfg.Fallbacks...)

	seen := make(map[Route]struct{})
	routes := make([]Route, 0, len(candidates))
	for _, candidate := range candidates {
		name := strings.ToLower(strings.TrimSpace(candidate.Provider))
		if name == "" {
			continue
		}
		if _, ok := clients[name]; !ok {
			continue
		}
		model := strings.TrimSpace(candidate.Model)
		if model == "" {
			model = defaultModels[name]
		}
		route := Route{Provider: name, Model: model}
		if _, dup := seen[route]; dup {
			continue
		}
		seen[route] = struct{}{}
		routes = append(routes, route)
	}
	return routes
}

// Resolve 返回某个角色的有序路由链快照。
func (r *Router) Resolve(role string) []Route {
	routes := r.table[strings.ToLower(role)]
	out := make([]Route, len(routes))
	copy(out, routes)
	return out
}

// Invoke 依次尝试角色的路由链。限流、超时与服务端错误会推进到下一条
// 回退路由；鉴权失败与非法请求直接失败，不做回退。耗尽路由链返回
// ROLE_UNAVAILABLE。
func (r *Router) Invoke(ctx context.Context, role string, req llm.Request) (*llm.Response, Route, error) {
	routes := r.table[strings.ToLower(role)]
	if len(routes) == 0 {
		return nil, Route{}, xerrors.New(xerrors.CodeRoleUnavailable,
			fmt.Sprintf("角色 %s 没有可用的 provider 路由", role))
	}

	var lastErr error
	for _, route := range routes {
		client := r.clients[route.Provider]
		resp, err := client.Complete(ctx, route.Model, req)
		if err == nil {
			return resp, route, nil
		}
		lastErr = err

		code := xerrors.CodeOf(err)
		switch code {
		case xerrors.CodeProviderRateLimited, xerrors.CodeProviderTimeout, xerrors.CodeProviderServer:
			r.log.Warn("provider 调用失败，尝试回退",
				slog.String("role", role),
				slog.String("provider", route.Provider),
				slog.String("model", route.Model),
				slog.String("error_code", string(code)),
			)
			continue
		default:
			// 鉴权失败或非法请求属于不可重试错误，立即结束。
			return nil, route, err
		}
	}

	return nil, Route{}, xerrors.Wrap(xerrors.CodeRoleUnavailable, lastErr,
		fmt.Sprintf("角色 %s 的回退链已耗尽", role))
}
