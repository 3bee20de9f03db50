package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/repolens/internal/domain"
	"github.com/arturoeanton/repolens/internal/service"
)

// TaskHandler exposes scheduled task status, cancellation, and live progress.
type TaskHandler struct {
	manager *service.RepositoryManager
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(manager *service.RepositoryManager) *TaskHandler {
	return &TaskHandler{manager: manager}
}

// Register sets up task routes.
func (h *TaskHandler) Register(api fiber.Router) {
	tasks := api.Group("/tasks")
	tasks.Get("/:id", h.Get)
	tasks.Delete("/:id", h.Cancel)
	tasks.Get("/:id/events", h.StreamEvents)
}

// Get returns a snapshot of a task.
func (h *TaskHandler) Get(c fiber.Ctx) error {
	task, err := h.manager.TaskStatus(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// Cancel requests cooperative cancellation. The task finishes its current
// git step before it observes the request.
func (h *TaskHandler) Cancel(c fiber.Ctx) error {
	if err := h.manager.CancelTask(c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// StreamEvents streams task progress and status changes via SSE until the
// task reaches a terminal state.
func (h *TaskHandler) StreamEvents(c fiber.Ctx) error {
	id := c.Params("id")
	task, err := h.manager.TaskStatus(id)
	if err != nil {
		return respondError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	tracker := h.manager.Tracker()
	ch := tracker.Subscribe(id)

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer tracker.Unsubscribe(id, ch)

		writeTask := func(t *domain.SyncTask) {
			data, _ := json.Marshal(t)
			fmt.Fprintf(w, "event: task\ndata: %s\n\n", string(data))
			w.Flush()
		}

		// Initial snapshot so the client never misses a fast task.
		writeTask(task)
		if task.Terminal() {
			return
		}

		// Subscriber updates may be dropped when the buffer fills, so poll
		// the task snapshot too; the stream must still end at the terminal
		// state.
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case update, ok := <-ch:
				if !ok {
					return
				}
				writeTask(&update)
				if update.Terminal() {
					return
				}
			case <-ticker.C:
				snapshot, err := h.manager.TaskStatus(id)
				if err != nil {
					return
				}
				if snapshot.Terminal() {
					writeTask(snapshot)
					return
				}
			}
		}
	})
}
