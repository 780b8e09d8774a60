package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "solrounds.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写配置文件失败: %v", err)
	}
	return path
}

const minimalConfig = `
assets:
  - symbol: ZOEY
    name: Zoey
    mint: Mint111
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Rounds.MinutesBetweenRounds != 30 {
		t.Fatalf("默认轮次间隔错误: %d", cfg.Rounds.MinutesBetweenRounds)
	}
	if cfg.Rounds.MaxHistoryRounds != 50 {
		t.Fatalf("默认历史上限错误: %d", cfg.Rounds.MaxHistoryRounds)
	}
	if cfg.Agents.MaxRetries != 2 {
		t.Fatalf("默认重试次数错误: %d", cfg.Agents.MaxRetries)
	}
	if cfg.Trade.MaxSlippageBps != 4000 {
		t.Fatalf("默认滑点错误: %d", cfg.Trade.MaxSlippageBps)
	}
	if cfg.Social.MaxTweetsPerHour != 5 || cfg.Social.MinActionInterval != 60 || cfg.Social.MaxActionInterval != 180 {
		t.Fatalf("社交默认值错误: %+v", cfg.Social)
	}
	if cfg.Memory.Driver != "file" {
		t.Fatalf("默认存储驱动错误: %s", cfg.Memory.Driver)
	}
	if cfg.RoundInterval() != 30*time.Minute {
		t.Fatalf("轮次间隔换算错误: %v", cfg.RoundInterval())
	}
	if cfg.RoleTimeout() != time.Duration(float64(30*time.Minute)*0.25) {
		t.Fatalf("角色超时换算错误: %v", cfg.RoleTimeout())
	}
}

func TestLoadRoleEnvOverrides(t *testing.T) {
	t.Setenv("TECHNICAL_PROVIDER", "DeepSeek")
	t.Setenv("TECHNICAL_MODEL", "deepseek-chat")
	t.Setenv("SENTIMENT_PROVIDER", "openai")
	t.Setenv("MINUTES_BETWEEN_ROUNDS", "5")
	t.Setenv("MAX_HISTORY_ROUNDS", "7")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	technical := cfg.Agents.Roles["technical"]
	if technical.Provider != "deepseek" || technical.Model != "deepseek-chat" {
		t.Fatalf("角色环境变量覆盖失败: %+v", technical)
	}
	if cfg.Agents.Roles["sentiment"].Provider != "openai" {
		t.Fatalf("sentiment 覆盖失败: %+v", cfg.Agents.Roles["sentiment"])
	}
	if cfg.Rounds.MinutesBetweenRounds != 5 || cfg.Rounds.MaxHistoryRounds != 7 {
		t.Fatalf("轮次环境变量覆盖失败: %+v", cfg.Rounds)
	}
}

func TestLoadRejectsEmptyAssets(t *testing.T) {
	if _, err := Load(writeConfig(t, "server:\n  address: \":8080\"\n")); err == nil {
		t.Fatalf("没有资产的配置应被拒绝")
	}
}

func TestLoadRejectsMySQLWithoutDSN(t *testing.T) {
	content := minimalConfig + `
memory:
  driver: mysql
`
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatalf("mysql 驱动缺少 DSN 应被拒绝")
	}
}

func TestProviderConfigResolveAPIKey(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "env-key")

	direct := ProviderConfig{APIKey: "plain-key", APIKeyEnv: "TEST_PROVIDER_KEY"}
	if direct.ResolveAPIKey() != "plain-key" {
		t.Fatalf("明文 key 应优先")
	}
	fromEnv := ProviderConfig{APIKeyEnv: "TEST_PROVIDER_KEY"}
	if fromEnv.ResolveAPIKey() != "env-key" {
		t.Fatalf("应从环境变量读取 key")
	}
	missing := ProviderConfig{APIKeyEnv: "TEST_PROVIDER_KEY_MISSING"}
	if missing.ResolveAPIKey() != "" {
		t.Fatalf("缺失的 key 应为空")
	}
}
