package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ccjuuc/chromium-tool/internal/config"
	"github.com/ccjuuc/chromium-tool/internal/http/response"
)

// ConfigHandler serves the read-only configuration views (spec.md §6): the
// server, branch, custom-arg, and build-arg lists a build submission form
// needs to populate its dropdowns.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GET /server_list
func (h *ConfigHandler) ServerList(c *gin.Context) {
	response.RespondOK(c, gin.H{"servers": h.cfg.Servers()})
}

// GET /branch_list
func (h *ConfigHandler) BranchList(c *gin.Context) {
	response.RespondOK(c, gin.H{"branches": h.cfg.Branches})
}

// GET /custom_args_list
func (h *ConfigHandler) CustomArgsList(c *gin.Context) {
	response.RespondOK(c, gin.H{"custom_args": h.cfg.CustomArgs})
}

// GET /build_args_list
func (h *ConfigHandler) BuildArgsList(c *gin.Context) {
	out := map[string][]string{}
	for platform, pc := range h.cfg.Platforms {
		out[platform] = pc.BuildArgs
	}
	response.RespondOK(c, gin.H{"build_args": out})
}

// GET / — landing page, per spec.md §6's "Build landing page (HTML)".
func (h *ConfigHandler) Landing(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(landingPage))
}

const landingPage = `<!DOCTYPE html>
<html>
<head><title>Build Orchestrator</title></head>
<body>
<h1>Build Orchestrator</h1>
<p>POST /build_package to submit a build. GET /task_list for current state.</p>
</body>
</html>
`
