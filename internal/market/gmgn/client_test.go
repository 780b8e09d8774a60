package gmgn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "SolRounds/internal/errors"
)

const testMint = "MintZOEY1111111111111111111111111111111111"

func TestTokenSnapshotFromRank(t *testing.T) {
	var rankCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/rank/sol/swaps/") {
			t.Errorf("意外的请求路径: %s", r.URL.Path)
		}
		rankCalls++
		w.Write([]byte(`{"data":{"rank":[
			{"address":"OtherMint","price":0.5},
			{"address":"` + testMint + `","price":1.25,"market_cap":9000000,"volume":750000,"price_change_percent":3.2,"price_change_percent5m":-0.4}
		]}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	client.httpClient = srv.Client()

	snapshot, err := client.TokenSnapshot(context.Background(), "ZOEY", testMint)
	if err != nil {
		t.Fatalf("获取行情失败: %v", err)
	}
	if rankCalls != 1 {
		t.Fatalf("短窗命中后不应继续请求, 实际 %d 次", rankCalls)
	}
	if snapshot.Asset != "ZOEY" || snapshot.Price != 1.25 || snapshot.MarketCap != 9_000_000 {
		t.Fatalf("快照内容错误: %+v", snapshot)
	}
	if snapshot.Change1h != 3.2 || snapshot.Change5m != -0.4 {
		t.Fatalf("涨跌幅解析错误: %+v", snapshot)
	}
}

func TestTokenSnapshotFallsBackToDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/rank/sol/swaps/") {
			w.Write([]byte(`{"data":{"rank":[]}}`))
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/tokens/detail/sol/"+testMint) {
			t.Errorf("意外的详情路径: %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":{"price":0.031,"market_cap":120000,"volume_24h":4500,"price_change_24h":-12.5}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	client.httpClient = srv.Client()

	snapshot, err := client.TokenSnapshot(context.Background(), "ZOEY", testMint)
	if err != nil {
		t.Fatalf("获取行情失败: %v", err)
	}
	if snapshot.Price != 0.031 || snapshot.Change24h != -12.5 {
		t.Fatalf("详情回退结果错误: %+v", snapshot)
	}
}

func TestTokenSnapshotRequiresMint(t *testing.T) {
	client := NewClient("", time.Second)
	_, err := client.TokenSnapshot(context.Background(), "ZOEY", "  ")
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("缺少 mint 应报参数错误, 得到 %v", err)
	}
}
