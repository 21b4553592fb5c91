package platform

import (
	"github.com/doorman-gateway/accounting/internal/accounting"
	"github.com/doorman-gateway/accounting/internal/config"
	handlers "github.com/doorman-gateway/accounting/internal/http/api/platform/handlers"
	"github.com/gin-gonic/gin"
)

// Options wires optional collaborators into the platform routes.
type Options struct {
	JWT      config.JWTConfig         // Session token verification settings.
	Resetter handlers.GroupResetter   // Manual group reset; nil answers 503.
	Recorder handlers.ConsumeRecorder // Consume outcome metrics; may be nil.
}

// RegisterPlatformRoutes registers the health check and the credit and token accounting routes.
func RegisterPlatformRoutes(r *gin.Engine, svc *accounting.Service, opts Options) {
	if r == nil || svc == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(svc)
	r.GET("/healthz", healthHandler.Healthz)

	authed := r.Group("/platform")
	authed.Use(sessionMiddleware(opts.JWT))
	authed.Use(csrfMiddleware())

	permissionHandler := handlers.NewPermissionHandler()
	authed.GET("/permissions", permissionHandler.List)

	for _, kind := range accounting.Kinds() {
		registerKindRoutes(authed.Group("/"+string(kind)), svc, kind, opts)
	}
}

// registerKindRoutes registers one kind's routes. The :id segment is a group id on
// definition routes and a username on balance routes, sharing one wildcard name.
func registerKindRoutes(g *gin.RouterGroup, svc *accounting.Service, kind accounting.Kind, opts Options) {
	manage := requirePermission(kind.ManagePermission())
	consume := requirePermission(kind.ManagePermission(), kind.ConsumePermission())

	groupHandler := handlers.NewGroupHandler(svc, kind, opts.Resetter)
	g.GET("/defs", groupHandler.List)
	g.GET("/defs/:id", groupHandler.Get)
	g.POST("/defs/:id/reset", manage, groupHandler.Reset)
	g.GET("/integrity", groupHandler.Integrity)
	g.POST("", manage, groupHandler.Create)
	g.PUT("/:id", manage, groupHandler.Update)
	g.DELETE("/:id", manage, groupHandler.Delete)

	balanceHandler := handlers.NewBalanceHandler(svc, kind, opts.Recorder)
	g.GET("/all", balanceHandler.List)
	g.GET("/:id", balanceHandler.Get)
	g.POST("/:id", manage, balanceHandler.Set)
	g.DELETE("/:id/balances", manage, balanceHandler.Delete)
	g.DELETE("/:id/balances/:group_id", manage, balanceHandler.Delete)
	g.GET("/:id/events", balanceHandler.Events)
	g.GET("/:id/check", balanceHandler.Check)
	g.POST("/:id/consume", consume, balanceHandler.Consume)
}
