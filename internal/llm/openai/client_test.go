package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/llm"
)

func TestCompleteSuccess(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"  {\"direction\":\"buy\"}  "}}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Complete(context.Background(), "gpt-4o-mini", llm.Request{
		System: "you are a trader",
		Prompt: "analyze ZOEY",
	})
	if err != nil {
		t.Fatalf("调用失败: %v", err)
	}
	if resp.Content != `{"direction":"buy"}` {
		t.Fatalf("响应内容错误: %q", resp.Content)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("Authorization 头错误: %q", gotAuth)
	}
	if gotBody["model"] != "gpt-4o-mini" {
		t.Fatalf("请求体 model 错误: %v", gotBody["model"])
	}
	messages, ok := gotBody["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("system+user 两条消息应都在请求体中: %v", gotBody["messages"])
	}
}

func TestCompleteRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(Config{}); xerrors.CodeOf(err) != xerrors.CodeProviderAuth {
		t.Fatalf("缺少 API Key 应报鉴权错误, 得到 %v", err)
	}
}

func TestCompleteClassifiesStatus(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   xerrors.Code
	}{
		{"限流", http.StatusTooManyRequests, xerrors.CodeProviderRateLimited},
		{"鉴权失败", http.StatusUnauthorized, xerrors.CodeProviderAuth},
		{"无权限", http.StatusForbidden, xerrors.CodeProviderAuth},
		{"服务端错误", http.StatusInternalServerError, xerrors.CodeProviderServer},
		{"参数错误", http.StatusBadRequest, xerrors.CodeProviderInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "provider error", tc.status)
			}))
			defer srv.Close()

			client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
			if err != nil {
				t.Fatalf("创建客户端失败: %v", err)
			}
			client.httpClient = srv.Client()

			_, err = client.Complete(context.Background(), "gpt-4o-mini", llm.Request{Prompt: "hi"})
			if xerrors.CodeOf(err) != tc.code {
				t.Fatalf("状态 %d 应映射为 %s, 得到 %v", tc.status, tc.code, err)
			}
		})
	}
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.Complete(context.Background(), "gpt-4o-mini", llm.Request{Prompt: "hi"}); xerrors.CodeOf(err) != xerrors.CodeProviderServer {
		t.Fatalf("空 choices 应视为服务端错误, 得到 %v", err)
	}
}
