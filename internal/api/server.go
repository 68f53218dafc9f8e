package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SUNQC97/Pipeline-Code/internal/audit"
	"github.com/SUNQC97/Pipeline-Code/internal/config"
	"github.com/SUNQC97/Pipeline-Code/internal/controller"
	"github.com/SUNQC97/Pipeline-Code/internal/exporter"
	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

// Bridge is the part of the controller the HTTP surface drives.
type Bridge interface {
	Status() controller.Status
	Events() <-chan controller.Event
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	InitTwinCAT(ctx context.Context) error
	InitVirtuos(ctx context.Context) error

	Browse(ctx context.Context, keyword string) ([]string, error)
	ExportNode(ctx context.Context, path string) (string, error)
	ImportNode(ctx context.Context, path, file string) error
	SaveUpload(name string, r io.Reader) (string, error)
	Activate(ctx context.Context) error

	OneClickApply(ctx context.Context) (controller.ApplyResult, error)
	OneClickRead(ctx context.Context) (controller.ReadResult, error)
	WriteKanalTrafo(ctx context.Context, kanal, path string) (string, error)
	WriteAxisWithMapping(ctx context.Context, kanal string) (params.Report, error)
	WriteAxisToPath(ctx context.Context, kanal, path string) ([]string, error)
	VirtuosToOPCUA(ctx context.Context) (params.Report, error)
	OPCUAToVirtuos(ctx context.Context) (params.Report, error)
	ReadOPCUA(ctx context.Context) (params.Aggregate, params.Report, error)
	ReadTwinCAT(ctx context.Context) (params.Aggregate, params.Report, error)

	CompareStructure(ctx context.Context) (controller.Comparison, error)
	CreateStructure(ctx context.Context) (controller.CreateResult, error)

	StartListener(ctx context.Context) (int, error)
	StopListener(ctx context.Context) error
	Pending() []controller.PendingChange
	ImportPending(ctx context.Context, id string) (controller.ApplyResult, error)
	IgnorePending(id string) error

	Audit(ctx context.Context) (audit.Record, error)
	AddressSpace(ctx context.Context) (*exporter.ExportNode, error)
}

var _ Bridge = (*controller.Controller)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan controller.Event
	// types the client is subscribed to; empty means all
	types map[string]bool
	mu    sync.RWMutex
}

func (c *Client) wants(typ string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types) == 0 || c.types[typ]
}

// Hub fans the controller events out to the websocket clients.
type Hub struct {
	clients    map[*Client]bool
	events     <-chan controller.Event
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
	mu         sync.Mutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewHub(events <-chan controller.Event, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		events:     events,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case ev, ok := <-h.events:
			if !ok {
				h.events = nil
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(ev.Type) {
					continue
				}
				select {
				case client.send <- ev:
				default:
					// slow reader
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Stop() { h.stopOnce.Do(func() { close(h.stop) }) }

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// WebSocketMessage selects the event types a client receives.
type WebSocketMessage struct {
	Action string   `json:"action"` // "subscribe", "unsubscribe", "subscribe_all"
	Types  []string `json:"types"`
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()
	for {
		var msg WebSocketMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read", zap.Error(err))
			}
			return
		}
		c.mu.Lock()
		switch msg.Action {
		case "subscribe":
			for _, t := range msg.Types {
				c.types[t] = true
			}
		case "unsubscribe":
			for _, t := range msg.Types {
				delete(c.types, t)
			}
		case "subscribe_all":
			c.types = make(map[string]bool)
		}
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			c.hub.logger.Warn("websocket write", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// ErrorBody is the uniform error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// statusFor maps an error onto an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, controller.ErrUnknownChange):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, controller.ErrSkipped):
		return http.StatusConflict, "skipped"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	switch params.KindOf(err) {
	case params.KindConnection:
		return http.StatusServiceUnavailable, params.KindConnection.String()
	case params.KindIdentity:
		return http.StatusUnprocessableEntity, params.KindIdentity.String()
	case params.KindMapping:
		return http.StatusNotFound, params.KindMapping.String()
	case params.KindTransform:
		return http.StatusUnprocessableEntity, params.KindTransform.String()
	}
	return http.StatusInternalServerError, "internal"
}

func fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Code: code, Message: err.Error()}})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{Code: "bad_request", Message: err.Error()}})
}

// requestLogger logs every request through zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

type pathRequest struct {
	Path string `json:"path" binding:"required"`
	File string `json:"file"`
}

type kanalRequest struct {
	Kanal string `json:"kanal" binding:"required"`
	Path  string `json:"path"`
}

// NewRouter registers the REST and websocket routes.
func NewRouter(b Bridge, hub *Hub, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	api := router.Group("/api/v1")
	{
		api.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, b.Status())
		})
		api.POST("/connect", func(c *gin.Context) {
			if err := b.Connect(c.Request.Context()); err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, b.Status())
		})
		api.POST("/disconnect", func(c *gin.Context) {
			if err := b.Disconnect(c.Request.Context()); err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, b.Status())
		})

		tc := api.Group("/twincat")
		tc.POST("/init", func(c *gin.Context) {
			if err := b.InitTwinCAT(c.Request.Context()); err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, b.Status())
		})
		tc.GET("/browse", func(c *gin.Context) {
			paths, err := b.Browse(c.Request.Context(), strings.TrimSpace(c.Query("keyword")))
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"paths": paths})
		})
		tc.POST("/nodes/export", func(c *gin.Context) {
			var req pathRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err)
				return
			}
			file, err := b.ExportNode(c.Request.Context(), req.Path)
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"file": file})
		})
		tc.POST("/nodes/import", func(c *gin.Context) {
			var req pathRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err)
				return
			}
			if err := b.ImportNode(c.Request.Context(), req.Path, req.File); err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "imported"})
		})
		tc.POST("/nodes/upload", func(c *gin.Context) {
			fh, err := c.FormFile("file")
			if err != nil {
				badRequest(c, err)
				return
			}
			f, err := fh.Open()
			if err != nil {
				badRequest(c, err)
				return
			}
			defer f.Close()
			saved, err := b.SaveUpload(fh.Filename, f)
			if err != nil {
				badRequest(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"file": saved})
		})
		tc.POST("/activate", func(c *gin.Context) {
			if err := b.Activate(c.Request.Context()); err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "activated"})
		})

		api.POST("/virtuos/init", func(c *gin.Context) {
			if err := b.InitVirtuos(c.Request.Context()); err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, b.Status())
		})

		sg := api.Group("/sync")
		sg.POST("/apply", func(c *gin.Context) {
			res, err := b.OneClickApply(c.Request.Context())
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, res)
		})
		sg.POST("/read", func(c *gin.Context) {
			res, err := b.OneClickRead(c.Request.Context())
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, res)
		})
		sg.POST("/kanal-trafo", func(c *gin.Context) {
			var req kanalRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err)
				return
			}
			path, err := b.WriteKanalTrafo(c.Request.Context(), req.Kanal, req.Path)
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"kanal": req.Kanal, "path": path})
		})
		sg.POST("/axis-mapping", func(c *gin.Context) {
			var req kanalRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err)
				return
			}
			rep, err := b.WriteAxisWithMapping(c.Request.Context(), req.Kanal)
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, rep)
		})
		sg.POST("/axis-path", func(c *gin.Context) {
			var req kanalRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err)
				return
			}
			if req.Path == "" {
				badRequest(c, errors.New("path is required"))
				return
			}
			applied, err := b.WriteAxisToPath(c.Request.Context(), req.Kanal, req.Path)
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"applied": applied})
		})
		sg.POST("/virtuos-to-opcua", func(c *gin.Context) {
			rep, err := b.VirtuosToOPCUA(c.Request.Context())
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, rep)
		})
		sg.POST("/opcua-to-virtuos", func(c *gin.Context) {
			rep, err := b.OPCUAToVirtuos(c.Request.Context())
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, rep)
		})

		api.GET("/parameters", func(c *gin.Context) {
			agg, rep, err := readAggregate(c, b)
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"aggregate": agg, "report": rep})
		})

		rc := api.Group("/reconcile")
		rc.POST("/compare", func(c *gin.Context) {
			cmp, err := b.CompareStructure(c.Request.Context())
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, cmp)
		})
		rc.POST("/create", func(c *gin.Context) {
			res, err := b.CreateStructure(c.Request.Context())
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, res)
		})

		api.POST("/listener/start", func(c *gin.Context) {
			n, err := b.StartListener(c.Request.Context())
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"monitored": n})
		})
		api.POST("/listener/stop", func(c *gin.Context) {
			if err := b.StopListener(c.Request.Context()); err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "stopped"})
		})

		api.GET("/pending", func(c *gin.Context) {
			c.JSON(http.StatusOK, b.Pending())
		})
		api.POST("/pending/:id/import", func(c *gin.Context) {
			res, err := b.ImportPending(c.Request.Context(), c.Param("id"))
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, res)
		})
		api.POST("/pending/:id/ignore", func(c *gin.Context) {
			if err := b.IgnorePending(c.Param("id")); err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		})

		api.GET("/audit", func(c *gin.Context) {
			rec, err := b.Audit(c.Request.Context())
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"modifier":   rec.Modifier,
				"time":       audit.FormatTime(rec.Time),
				"node":       rec.Node,
				"operation":  rec.Operation,
				"session_id": rec.SessionID,
				"known":      rec.Known(),
			})
		})

		ex := api.Group("/exports")
		ex.GET("/parameters", func(c *gin.Context) {
			format, ok := exportFormat(c)
			if !ok {
				return
			}
			agg, _, err := readAggregate(c, b)
			if err != nil {
				fail(c, err)
				return
			}
			attach(c, format, "parameters")
			if err := exporter.WriteAggregate(c.Writer, agg, format); err != nil {
				c.Error(err)
			}
		})
		ex.GET("/comparison", func(c *gin.Context) {
			format, ok := exportFormat(c)
			if !ok {
				return
			}
			cmp, err := b.CompareStructure(c.Request.Context())
			if err != nil {
				fail(c, err)
				return
			}
			attach(c, format, "kanal_axis_comparison")
			if err := exporter.WriteComparison(c.Writer, cmp.Result, format); err != nil {
				c.Error(err)
			}
		})
		ex.GET("/address-space", func(c *gin.Context) {
			format, ok := exportFormat(c)
			if !ok {
				return
			}
			root, err := b.AddressSpace(c.Request.Context())
			if err != nil {
				fail(c, err)
				return
			}
			attach(c, format, "address_space")
			if err := exporter.WriteAddressSpace(c.Writer, root, format); err != nil {
				c.Error(err)
			}
		})

		api.GET("/ws/clients", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"clients": hub.Clients()})
		})
	}

	router.GET("/ws/events", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client := &Client{
			hub:   hub,
			conn:  conn,
			send:  make(chan controller.Event, 256),
			types: make(map[string]bool),
		}
		select {
		case hub.register <- client:
		case <-hub.stop:
			conn.Close()
			return
		}
		go client.writePump()
		go client.readPump()
	})

	return router
}

func readAggregate(c *gin.Context, b Bridge) (params.Aggregate, params.Report, error) {
	switch source := strings.ToLower(c.DefaultQuery("source", "opcua")); source {
	case "opcua":
		return b.ReadOPCUA(c.Request.Context())
	case "twincat":
		return b.ReadTwinCAT(c.Request.Context())
	default:
		return nil, params.Report{}, params.Errorf(params.KindMapping, source, "unknown parameter source")
	}
}

func exportFormat(c *gin.Context) (exporter.Format, bool) {
	f, err := exporter.ParseFormat(c.Query("format"))
	if err != nil {
		badRequest(c, err)
		return "", false
	}
	return f, true
}

func attach(c *gin.Context, f exporter.Format, base string) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", f.FileName(base)))
	c.Header("Content-Type", f.ContentType())
	c.Status(http.StatusOK)
}

// StartServer serves the API until ctx is done.
func StartServer(ctx context.Context, b Bridge, cfg config.APIConfig, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := NewHub(b.Events(), logger)
	go hub.Run()

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: NewRouter(b, hub, logger),
	}

	go func() {
		logger.Info("API server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		hub.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server shutdown failed", zap.Error(err))
		}
	}()

	return srv
}
