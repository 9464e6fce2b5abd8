// Package handlers implements the Request Gateway (spec.md §4.7, component
// C7), adapted from the teacher's JobHandler (internal/http/handlers/job.go):
// thin handlers that decode/validate the wire payload and delegate to the
// queue controller, repository, and log broker.
package handlers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ccjuuc/chromium-tool/internal/broker"
	"github.com/ccjuuc/chromium-tool/internal/domain"
	"github.com/ccjuuc/chromium-tool/internal/errs"
	"github.com/ccjuuc/chromium-tool/internal/http/response"
	"github.com/ccjuuc/chromium-tool/internal/platform/dbctx"
	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
	"github.com/ccjuuc/chromium-tool/internal/queue"
	"github.com/ccjuuc/chromium-tool/internal/repos"
)

type TaskHandler struct {
	repo       repos.TaskRepo
	ctrl       *queue.Controller
	broker     *broker.Broker
	backupRoot string
	log        *logger.Logger
	upgrader   websocket.Upgrader
}

func NewTaskHandler(repo repos.TaskRepo, ctrl *queue.Controller, b *broker.Broker, backupRoot string, baseLog *logger.Logger) *TaskHandler {
	return &TaskHandler{
		repo:       repo,
		ctrl:       ctrl,
		broker:     b,
		backupRoot: backupRoot,
		log:        baseLog.With("handler", "TaskHandler"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// POST /build_package
func (h *TaskHandler) BuildPackage(c *gin.Context) {
	var req domain.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if problems := req.Validate(); len(problems) > 0 {
		c.String(http.StatusBadRequest, "validation failed: %s", strings.Join(problems, "; "))
		return
	}

	result, err := h.ctrl.Submit(c.Request.Context(), &req)
	if err != nil {
		c.String(http.StatusInternalServerError, "submission failed: %v", err)
		return
	}

	if result.Started {
		if result.Parent != nil {
			c.String(http.StatusOK, "started family task_id=%d", result.Parent.ID)
			return
		}
		c.String(http.StatusOK, "started task_id=%d", result.Children[0].ID)
		return
	}
	c.String(http.StatusOK, "queued behind %d running task(s) on server %s", result.QueuePosition, req.Server)
}

// GET /task_list
func (h *TaskHandler) TaskList(c *gin.Context) {
	dc := dbctx.Context{Ctx: c.Request.Context()}
	tasks, err := h.repo.List(dc)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"tasks": tasks})
}

// POST /add_task
func (h *TaskHandler) AddTask(c *gin.Context) {
	var t domain.Task
	if err := c.ShouldBindJSON(&t); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	dc := dbctx.Context{Ctx: c.Request.Context()}
	created, err := h.repo.Create(dc, &t)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "create_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"id": created.ID})
}

type updateTaskBody struct {
	TaskID      int64      `json:"task_id" binding:"required"`
	State       string     `json:"state"`
	CommitID    string     `json:"commit_id"`
	EndTime     *time.Time `json:"end_time"`
	StoragePath string     `json:"storage_path"`
	Installer   string     `json:"installer"`
}

// POST /update_task
func (h *TaskHandler) UpdateTask(c *gin.Context) {
	var body updateTaskBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	dc := dbctx.Context{Ctx: c.Request.Context()}

	if body.EndTime != nil {
		if err := h.repo.UpdateCompletion(dc, body.TaskID, *body.EndTime, body.StoragePath, body.Installer); err != nil {
			response.RespondError(c, http.StatusInternalServerError, "update_failed", err)
			return
		}
		response.RespondOK(c, gin.H{"ok": true})
		return
	}

	if body.State != "" {
		state, ok := domain.FromString(body.State)
		if !ok {
			response.RespondError(c, http.StatusBadRequest, "invalid_state", nil)
			return
		}
		task, err := h.repo.Find(dc, body.TaskID)
		if err != nil {
			status := http.StatusInternalServerError
			if errs.Is(err, errs.KindNotFound) {
				status = http.StatusNotFound
			}
			response.RespondError(c, status, "find_failed", err)
			return
		}
		if !domain.CanTransition(task.State, state) {
			response.RespondError(c, http.StatusBadRequest, "illegal_transition", nil)
			return
		}
		if err := h.repo.UpdateState(dc, body.TaskID, state, body.CommitID); err != nil {
			response.RespondError(c, http.StatusInternalServerError, "update_failed", err)
			return
		}
	}
	response.RespondOK(c, gin.H{"ok": true})
}

type deleteTaskBody struct {
	TaskID int64 `json:"task_id" binding:"required"`
}

// POST /delete_task
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	var body deleteTaskBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err := h.ctrl.Delete(c.Request.Context(), body.TaskID); err != nil {
		status := http.StatusInternalServerError
		if errs.Is(err, errs.KindNotFound) {
			status = http.StatusNotFound
		}
		response.RespondError(c, status, "delete_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"ok": true})
}

// GET /download/*path — streamed from backupRoot, guarded against path
// traversal (spec.md §6, §7 "download path traversal").
func (h *TaskHandler) Download(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	cleaned := filepath.Clean(rel)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		c.Status(http.StatusNotFound)
		return
	}
	full := filepath.Join(h.backupRoot, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(h.backupRoot)+string(os.PathSeparator)) {
		c.Status(http.StatusNotFound)
		return
	}
	if _, err := os.Stat(full); err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	c.FileAttachment(full, filepath.Base(full))
}

// GET /task_log/:id
func (h *TaskHandler) TaskLog(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	dc := dbctx.Context{Ctx: c.Request.Context()}
	log, err := h.repo.GetLog(dc, id)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "get_log_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"log": log})
}

const (
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
)

// GET /ws/task_log/:id — upgrades, sends the durable prefix as one message,
// then forwards every broker publication until the client disconnects
// (spec.md §4.7 log streaming protocol).
func (h *TaskHandler) TaskLogWS(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	dc := dbctx.Context{Ctx: c.Request.Context()}
	if _, err := h.repo.Find(dc, id); err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "task_id", id, "err", err)
		return
	}
	defer conn.Close()

	prefix, err := h.repo.GetLog(dc, id)
	if err == nil && prefix != "" {
		_ = conn.WriteJSON(broker.LogMessage{TaskID: id, Log: prefix, Timestamp: time.Now()})
	}

	sub := h.broker.Subscribe(id)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	go h.pingLoop(ctx, conn, cancel)
	go h.readLoop(conn, cancel)

	for {
		select {
		case msg, ok := <-sub.Messages:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pingLoop sends periodic pings to detect a dead client (spec.md §4.7's
// liveness mechanism). A write failure means the connection is gone, so it
// cancels ctx to unblock TaskLogWS's main select loop rather than leaving it
// parked on sub.Messages forever.
func (h *TaskHandler) pingLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				cancel()
				return
			}
		}
	}
}

// readLoop pumps gorilla/websocket's read machinery so the pong handler and
// client-initiated close frames are actually processed — both are only
// invoked while a ReadMessage/NextReader loop is running. Frames are
// discarded; any read error (dead connection or close frame) cancels ctx so
// a dead client is dropped without disturbing the publisher.
func (h *TaskHandler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
