package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/repolens/internal/service"
	"github.com/arturoeanton/repolens/pkg/config"
)

// RepoHandler exposes the repository registry over HTTP.
type RepoHandler struct {
	manager *service.RepositoryManager
}

// NewRepoHandler creates a new repo handler.
func NewRepoHandler(manager *service.RepositoryManager) *RepoHandler {
	return &RepoHandler{manager: manager}
}

// Register sets up repository routes.
func (h *RepoHandler) Register(api fiber.Router) {
	repos := api.Group("/repos")
	repos.Get("/", h.List)
	repos.Post("/", h.Create)
	repos.Get("/events", h.StreamEvents)
	repos.Post("/sync", h.SyncAll)
	repos.Get("/:id", h.Get)
	repos.Delete("/:id", h.Delete)
	repos.Post("/:id/sync", h.Sync)
	repos.Post("/:id/analyze", h.Analyze)
	repos.Get("/:id/branches", h.Branches)
	repos.Get("/:id/commits", h.Commits)
	repos.Get("/:id/commits/:sha", h.Commit)
	repos.Get("/:id/history", h.History)

	api.Get("/commits/search", h.Search)
}

// List returns every registered repository.
func (h *RepoHandler) List(c fiber.Ctx) error {
	repos, err := h.manager.List(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"repos": repos, "count": len(repos)})
}

// Get returns one repository entry.
func (h *RepoHandler) Get(c fiber.Ctx) error {
	entry, err := h.manager.Get(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(entry)
}

// Create registers a repository. Re-registering an existing repository
// refreshes its configuration and returns the existing entry.
func (h *RepoHandler) Create(c fiber.Ctx) error {
	var body config.RepoConfig
	if err := c.Bind().JSON(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}

	entry, err := h.manager.Register(c.Context(), body)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(entry)
}

// Delete removes a repository. ?artifacts=true also deletes the working copy.
func (h *RepoHandler) Delete(c fiber.Ctx) error {
	removeArtifacts := c.Query("artifacts") == "true"
	if err := h.manager.Remove(c.Context(), c.Params("id"), removeArtifacts); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Sync schedules a sync of one repository and returns the pending task.
// ?manual=true marks an operator-initiated run, which resets a tripped
// circuit breaker.
func (h *RepoHandler) Sync(c fiber.Ctx) error {
	manual := c.Query("manual") == "true"
	task, err := h.manager.Sync(c.Context(), c.Params("id"), manual)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(task)
}

// SyncAll syncs every auto-syncable repository and reports per-repository
// outcomes. The response arrives when the whole batch finishes.
func (h *RepoHandler) SyncAll(c fiber.Ctx) error {
	result, err := h.manager.SyncAll(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"outcomes":  result.Outcomes,
		"succeeded": result.Succeeded(),
		"failed":    result.Failed(),
	})
}

// Analyze schedules an analysis pass and returns the pending task.
func (h *RepoHandler) Analyze(c fiber.Ctx) error {
	task, err := h.manager.Analyze(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(task)
}

// Branches returns the repository's branch names.
func (h *RepoHandler) Branches(c fiber.Ctx) error {
	names, err := h.manager.Branches(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"branches": names, "count": len(names)})
}

// Commits returns the newest stored commits of a repository.
func (h *RepoHandler) Commits(c fiber.Ctx) error {
	commits, err := h.manager.ListCommits(c.Context(), c.Params("id"), queryInt(c, "limit", 100))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"commits": commits, "count": len(commits)})
}

// Commit returns one commit by hash, including its branch associations.
func (h *RepoHandler) Commit(c fiber.Ctx) error {
	commit, err := h.manager.GetCommit(c.Context(), c.Params("id"), c.Params("sha"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(commit)
}

// History returns the repository's sync audit trail.
func (h *RepoHandler) History(c fiber.Ctx) error {
	records, err := h.manager.SyncHistory(c.Context(), c.Params("id"), queryInt(c, "limit", 50))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"history": records, "count": len(records)})
}

// Search finds commits by message pattern. ?repo_id may repeat to scope the
// search to a repository set.
func (h *RepoHandler) Search(c fiber.Ctx) error {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		return c.JSON(fiber.Map{"commits": []any{}, "count": 0})
	}

	var repoIDs []string
	for _, id := range strings.Split(c.Query("repo_id"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			repoIDs = append(repoIDs, id)
		}
	}

	commits, err := h.manager.Search(c.Context(), q, repoIDs, queryInt(c, "limit", 50))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"commits": commits, "count": len(commits)})
}

// StreamEvents streams repository status changes via SSE.
func (h *RepoHandler) StreamEvents(c fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	bus := h.manager.Events()
	ch := bus.Subscribe()

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer bus.Unsubscribe(ch)

		// Heartbeat comment to confirm the connection.
		fmt.Fprintf(w, ": connected\n\n")
		w.Flush()

		for evt := range ch {
			data, _ := json.Marshal(evt)
			fmt.Fprintf(w, "event: repo_status\ndata: %s\n\n", string(data))
			w.Flush()
		}
	})
}

// queryInt reads an integer query param with a default value.
func queryInt(c fiber.Ctx, key string, defaultVal int) int {
	v := c.Query(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
