package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/ccjuuc/chromium-tool/internal/http/handlers"
	httpMW "github.com/ccjuuc/chromium-tool/internal/http/middleware"
)

type RouterConfig struct {
	TaskHandler   *httpH.TaskHandler
	ConfigHandler *httpH.ConfigHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(httpMW.AttachRequestContext())
	r.Use(httpMW.CORS())

	if cfg.ConfigHandler != nil {
		r.GET("/", cfg.ConfigHandler.Landing)
		r.GET("/server_list", cfg.ConfigHandler.ServerList)
		r.GET("/branch_list", cfg.ConfigHandler.BranchList)
		r.GET("/custom_args_list", cfg.ConfigHandler.CustomArgsList)
		r.GET("/build_args_list", cfg.ConfigHandler.BuildArgsList)
	}

	if cfg.TaskHandler != nil {
		r.POST("/build_package", cfg.TaskHandler.BuildPackage)
		r.GET("/task_list", cfg.TaskHandler.TaskList)
		r.POST("/add_task", cfg.TaskHandler.AddTask)
		r.POST("/update_task", cfg.TaskHandler.UpdateTask)
		r.POST("/delete_task", cfg.TaskHandler.DeleteTask)
		r.GET("/download/*path", cfg.TaskHandler.Download)
		r.GET("/task_log/:id", cfg.TaskHandler.TaskLog)
		r.GET("/ws/task_log/:id", cfg.TaskHandler.TaskLogWS)
	}

	return r
}
