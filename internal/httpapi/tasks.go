package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mfalcone/taskmux/internal/generation"
	"github.com/mfalcone/taskmux/internal/tasks"
)

type createGenerationRequest struct {
	ChatID string `json:"chat_id"`
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type createGenerationResponse struct {
	TaskID string `json:"task_id"`
	ChatID string `json:"chat_id,omitempty"`
}

func (s *Server) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	if s.generator == nil {
		respondError(w, http.StatusNotImplemented, "upstream_unconfigured", "no generation upstream configured")
		return
	}

	var req createGenerationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ChatID = strings.TrimSpace(req.ChatID)
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}

	work := func(ctx context.Context, taskID string) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
		defer cancel()
		_, err := s.generator.Stream(ctx, generation.Request{
			Model:  req.Model,
			Prompt: req.Prompt,
		}, func(delta string) error {
			s.tracker.AppendDelta(taskID, delta)
			return nil
		})
		return err
	}

	taskID, err := s.tracker.Create(r.Context(), work, req.ChatID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "task_create_failed", err.Error())
		return
	}
	s.logger.Info("generation task created",
		zap.String("task_id", taskID), zap.String("chat_id", req.ChatID))

	respondJSON(w, http.StatusAccepted, createGenerationResponse{
		TaskID: taskID,
		ChatID: req.ChatID,
	})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	result, err := s.tracker.Stop(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "task_stop_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ids, err := s.tracker.ListAll(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "task_list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_ids": ids,
	})
}

func (s *Server) handleListChatTasks(w http.ResponseWriter, r *http.Request) {
	chatID := strings.TrimSpace(chi.URLParam(r, "id"))
	if chatID == "" {
		respondError(w, http.StatusBadRequest, "invalid_chat_id", "missing chat id")
		return
	}

	ids, err := s.tracker.ListByChat(r.Context(), chatID)
	if err != nil {
		respondError(w, http.StatusBadGateway, "task_list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"chat_id":  chatID,
		"task_ids": ids,
	})
}
