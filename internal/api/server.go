package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"SolRounds/internal/agent"
	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/memory"
	"SolRounds/internal/observability/metrics"
	"SolRounds/internal/scheduler"
)

// RoundController 是运维接口所需的调度能力。
type RoundController interface {
	State() scheduler.State
	LastRound() *scheduler.RoundSummary
	TriggerNow() error
	CancelRound() error
	Assets() []agent.Asset
	AddAsset(asset agent.Asset) error
	RemoveAsset(symbol string) error
}

// TradeController 是运维接口所需的执行器能力。为 nil 时相关接口
// 返回不可用。
type TradeController interface {
	Busy() []string
	ClearAsset(ctx context.Context, asset string) error
}

// Server 负责暴露 REST 接口，供运维人员驱动与观察轮次循环。
type Server struct {
	addr    string
	rounds  RoundController
	trades  TradeController
	history memory.Store
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, rounds RoundController, trades TradeController, history memory.Store) *Server {
	return &Server{addr: addr, rounds: rounds, trades: trades, history: history}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/rounds/last", s.handleLastRound)
	mux.HandleFunc("POST /api/v1/rounds/trigger", s.handleTrigger)
	mux.HandleFunc("POST /api/v1/rounds/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/assets", s.handleListAssets)
	mux.HandleFunc("POST /api/v1/assets", s.handleAddAsset)
	mux.HandleFunc("DELETE /api/v1/assets/{symbol}", s.handleRemoveAsset)
	mux.HandleFunc("POST /api/v1/assets/{symbol}/clear", s.handleClearAsset)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleStatus 返回调度器状态与被占用的资产。
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"state": s.rounds.State(),
	}
	if last := s.rounds.LastRound(); last != nil {
		status["last_round_id"] = last.RoundID
		status["last_round_finished_at"] = last.FinishedAt
	}
	if s.trades != nil {
		status["busy_assets"] = s.trades.Busy()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleLastRound 返回最近完成一轮的汇总。
func (s *Server) handleLastRound(w http.ResponseWriter, r *http.Request) {
	last := s.rounds.LastRound()
	if last == nil {
		http.Error(w, "尚未完成任何轮次", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// handleTrigger 请求立即开始新一轮。
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.rounds.TriggerNow(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// handleCancel 取消正在进行的轮次。
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.rounds.CancelRound(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rounds.Assets())
}

func (s *Server) handleAddAsset(w http.ResponseWriter, r *http.Request) {
	var asset agent.Asset
	if err := json.NewDecoder(r.Body).Decode(&asset); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.rounds.AddAsset(asset); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (s *Server) handleRemoveAsset(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if err := s.rounds.RemoveAsset(symbol); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearAsset 释放被在途交易占用的资产。执行器会先复查一次
// 签名状态再放行。
func (s *Server) handleClearAsset(w http.ResponseWriter, r *http.Request) {
	if s.trades == nil {
		http.Error(w, "交易执行未启用", http.StatusServiceUnavailable)
		return
	}
	symbol := r.PathValue("symbol")
	if err := s.trades.ClearAsset(r.Context(), symbol); err != nil {
		status := http.StatusInternalServerError
		if xerrors.CodeOf(err) == xerrors.CodeInvalidArgument {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "asset": symbol})
}

// handleHistory 返回单个资产的轮次历史。
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		http.Error(w, "缺少 asset 参数", http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "limit 参数非法", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := s.history.History(r.Context(), asset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
