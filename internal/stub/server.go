package stub

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"otto/internal/push"
	sharederrors "otto/internal/shared/errors"
	"otto/internal/shared/logging"
	"otto/internal/task"
)

// ServerConfig holds stub server settings.
type ServerConfig struct {
	Addr      string
	Simulator SimulatorConfig
}

// Server is the development backend: the queue-shape HTTP contract plus the
// websocket push endpoint, served from an in-memory store driven by the
// simulator.
type Server struct {
	cfg        ServerConfig
	store      *task.Store
	bus        *push.Bus
	sim        *Simulator
	logger     logging.Logger
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires the stub backend.
func NewServer(cfg ServerConfig, logger logging.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8420"
	}
	logger = logging.OrNop(logger)

	store := task.NewStore()
	bus := push.NewBus()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		sim:    NewSimulator(cfg.Simulator, store, bus, logger),
		logger: logger,
		engine: engine,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
	}
	s.logger.Info("stub: serving on %s", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the simulator walks and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sim.Shutdown()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.POST("/tasks", s.createTask)
	api.GET("/tasks", s.listTasks)
	api.GET("/tasks/:id", s.getTask)
	api.PATCH("/tasks/:id", s.patchTask)
	api.POST("/tasks/:id/worker", s.pokeWorker)

	s.engine.GET("/ws/tasks/:id", s.watchTask)
}

type createTaskRequest struct {
	Prompt   string `json:"prompt" binding:"required"`
	TaskType string `json:"taskType"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := s.store.Create(c.Request.Context(), req.Prompt, task.CreateOptions{TaskType: req.TaskType})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.sim.Start(t.ID)

	c.JSON(http.StatusCreated, gin.H{"task": toTaskRecord(t)})
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, total, err := s.store.List(c.Request.Context(), 50, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	records := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		records = append(records, toTaskRecord(t))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tasks": records, "total": total})
}

func (s *Server) getTask(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}

	steps := make([]gin.H, 0)
	for _, step := range s.store.Steps(ctx, id) {
		steps = append(steps, toStepRecord(step))
	}
	outputs := make([]gin.H, 0)
	for _, out := range s.store.Outputs(ctx, id) {
		outputs = append(outputs, toOutputRecord(out))
	}

	resp := gin.H{
		"success": true,
		"task":    toTaskRecord(t),
		"steps":   steps,
		"outputs": outputs,
	}
	if t.Status == task.StatusCompleted {
		resp["suggestions"] = []string{"Download the result", "Start a follow-up task"}
	}
	c.JSON(http.StatusOK, resp)
}

type patchTaskRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) patchTask(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	var req patchTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	switch req.Status {
	case "cancelled", "aborted":
		s.sim.Stop(id)
		if !t.Status.Terminal() {
			err = s.store.SetError(ctx, id, sharederrors.New(sharederrors.KindGeneric, sharederrors.MessageStoppedByUser))
		}
	case "paused":
		if t.Status != task.StatusExecuting {
			c.JSON(http.StatusConflict, gin.H{"error": "task is not executing"})
			return
		}
		err = s.store.SetStatus(ctx, id, task.StatusPaused)
	case "executing":
		if t.Status != task.StatusPaused {
			c.JSON(http.StatusConflict, gin.H{"error": "task is not paused"})
			return
		}
		err = s.store.SetStatus(ctx, id, task.StatusExecuting)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported status " + req.Status})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.publishTask(id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// pokeWorker is the worker trigger: it wakes a walk waiting on approval or
// resumption. Safe for any state.
func (s *Server) pokeWorker(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if t.Status == task.StatusAwaitingApproval {
		if err := s.store.SetStatus(ctx, id, task.StatusExecuting); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.publishTask(id)
	}
	s.sim.Poke(id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// watchTask bridges one (task, concern) bus topic onto a websocket.
func (s *Server) watchTask(c *gin.Context) {
	id := c.Param("id")
	concern := push.Concern(c.DefaultQuery("concern", string(push.ConcernTask)))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("stub: websocket upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, err := s.bus.Watch(ctx, id, concern)
	if err != nil {
		s.logger.Warn("stub: watch %s/%s failed: %v", id, concern, err)
		return
	}

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) publishTask(id string) {
	t, err := s.store.Get(context.Background(), id)
	if err != nil {
		return
	}
	s.sim.publish(id, push.ConcernTask, 0, t)
}
