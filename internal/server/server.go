// Package server 提供本地控制接口，供侧边栏、选项页等界面调用。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"chrome2nas/internal/logger"
	"chrome2nas/internal/nasapi"
	"chrome2nas/pkg/api"
	"chrome2nas/pkg/model"
)

// Server 控制接口
type Server struct {
	svc api.Service
	hub *Hub
	log logger.Logger
}

// New 创建控制接口
func New(svc api.Service, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	return &Server{svc: svc, hub: NewHub(), log: l}
}

// Hub 事件分发
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.traceRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/detected", s.handleDetected)
		r.Post("/send", s.handleSend)
		r.Post("/send/latest", s.handleSendLatest)
		r.Post("/clear", s.handleClear)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Get("/jobs", s.handleLocalJobs)
		r.Get("/tabs", s.handleTabs)
		r.Get("/events", s.handleEvents)

		r.Route("/nas", func(r chi.Router) {
			r.Get("/health", s.handleHealth)
			r.Get("/status", s.handleStatus)
			r.Get("/jobs", s.handleRemoteJobs)
			r.Delete("/jobs/{id}", s.handleCancel)
		})
	})
	return r
}

// ListenAndServe 监听直到 ctx 结束
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	go s.hub.Run(ctx, s.svc.SubscribeEvents())

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("控制接口已启动", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
}

// traceRequests 为每个请求分配 traceId 并记录耗时
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.NewString()
		ctx := logger.WithTraceID(r.Context(), traceID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.log.Debug("控制接口请求", "traceId", traceID, "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

type sendRequest struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	PageURL string `json:"pageUrl"`
}

func (s *Server) handleDetected(w http.ResponseWriter, r *http.Request) {
	var tab *model.TabID
	if v := r.URL.Query().Get("tab"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tab"})
			return
		}
		t := model.TabID(n)
		tab = &t
	}
	writeJSON(w, http.StatusOK, map[string]any{"urls": s.svc.GetDetectedURLs(tab)})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	writeJSON(w, http.StatusAccepted, s.svc.SendToNAS(req.URL, req.Title, req.PageURL))
}

func (s *Server) handleSendLatest(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	ack := s.svc.SendLatest(req.URL, req.Title, req.PageURL)
	status := http.StatusAccepted
	if !ack.Success {
		status = http.StatusNotFound
	}
	writeJSON(w, status, ack)
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.svc.ClearDetected()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	// 在当前设置上解码，请求体缺省的字段保持不变
	in := s.svc.Settings()
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	out, err := s.svc.UpdateSettings(r.Context(), in)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLocalJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.LocalJobs(r.Context(), limitParam(r, 0))
	if err != nil {
		s.log.Err(err, "读取本地任务记录失败")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleTabs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tabs": s.svc.Tabs()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Health(r.Context()); err != nil {
		s.writeNASError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeNASError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRemoteJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.RemoteJobs(r.Context(), limitParam(r, 20))
	if err != nil {
		s.writeNASError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.CancelJob(r.Context(), id); err != nil {
		s.writeNASError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeNASError 按错误类别返回状态码、消息和处理建议
func (s *Server) writeNASError(w http.ResponseWriter, err error) {
	cat, msg := nasapi.Describe(err)
	status := http.StatusBadGateway
	switch cat {
	case nasapi.CategoryConfig:
		status = http.StatusPreconditionFailed
	case nasapi.CategoryTimeout:
		status = http.StatusGatewayTimeout
	}
	s.log.Warn("NAS 请求失败", "category", string(cat), "error", err.Error())
	writeJSON(w, status, map[string]string{
		"error":       err.Error(),
		"category":    string(cat),
		"remediation": nasapi.Remediation(cat),
		"message":     msg,
	})
}

func limitParam(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
