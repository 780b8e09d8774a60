package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/trade"
)

var testPair = trade.Pair{
	InputMint:  "So11111111111111111111111111111111111111112",
	OutputMint: "MintZOEY",
}

func TestQuoteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("inputMint") != testPair.InputMint || query.Get("amount") != "5000000" {
			t.Errorf("报价请求参数错误: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{
			"inAmount": "5000000",
			"outAmount": "123456789",
			"priceImpactPct": "0.42",
			"routePlan": [{"swapInfo": {"ammKey": "pool-1"}}]
		}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL), WithQuoteTTL(10*time.Second), WithHTTPClient(srv.Client()))
	route, err := client.Quote(context.Background(), testPair, 5_000_000, 300)
	if err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if route.InAmount != 5_000_000 || route.OutAmount != 123_456_789 {
		t.Fatalf("报价金额解析错误: %+v", route)
	}
	if route.PriceImpactPct != 0.42 {
		t.Fatalf("价格冲击解析错误: %f", route.PriceImpactPct)
	}
	if route.TTL != 10*time.Second || route.FetchedAt.IsZero() {
		t.Fatalf("报价时效信息缺失: %+v", route)
	}
	if len(route.Raw) == 0 {
		t.Fatalf("应保留完整报价原文")
	}
}

func TestQuoteNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"routePlan": [], "error": "Could not find any route"}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	_, err := client.Quote(context.Background(), testPair, 1000, 300)
	if xerrors.CodeOf(err) != xerrors.CodeNoRoute {
		t.Fatalf("无路由应返回 NO_ROUTE, 得到 %v", err)
	}
}

func TestBuildSuccess(t *testing.T) {
	rawTx := []byte("serialized-transaction-bytes")
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v6/swap" {
			t.Errorf("构建请求路径错误: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("解析构建请求失败: %v", err)
		}
		resp, _ := json.Marshal(map[string]string{
			"swapTransaction": base64.StdEncoding.EncodeToString(rawTx),
		})
		w.Write(resp)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	route := &trade.Route{Pair: testPair, Raw: json.RawMessage(`{"inAmount":"1"}`)}
	tx, err := client.Build(context.Background(), route, "Wallet111", 10_000)
	if err != nil {
		t.Fatalf("构建失败: %v", err)
	}
	if string(tx.Payload) != string(rawTx) {
		t.Fatalf("交易载荷解码错误: %q", tx.Payload)
	}

	if gotBody["userPublicKey"] != "Wallet111" || gotBody["wrapAndUnwrapSol"] != true {
		t.Fatalf("构建请求体错误: %v", gotBody)
	}
	fee, ok := gotBody["prioritizationFeeLamports"].(map[string]any)
	if !ok || fee["jitoTipLamports"] != float64(10_000) {
		t.Fatalf("小费字段错误: %v", gotBody["prioritizationFeeLamports"])
	}
}

func TestBuildClassifiesSlippage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "Slippage tolerance exceeded"}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	route := &trade.Route{Pair: testPair, Raw: json.RawMessage(`{}`)}
	_, err := client.Build(context.Background(), route, "Wallet111", 0)
	if xerrors.CodeOf(err) != xerrors.CodeSlippageExceeded {
		t.Fatalf("滑点超限应返回 SLIPPAGE_EXCEEDED, 得到 %v", err)
	}
}

func TestBuildOtherFailureIsStaleQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error": "route expired"}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	route := &trade.Route{Pair: testPair, Raw: json.RawMessage(`{}`)}
	_, err := client.Build(context.Background(), route, "Wallet111", 0)
	if xerrors.CodeOf(err) != xerrors.CodeStaleQuote {
		t.Fatalf("其他构建失败应视为报价失效, 得到 %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("报价失效应可带新报价重试")
	}
}
