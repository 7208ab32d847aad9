package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/parley/internal/adapters/signal"
	"github.com/avolkov/parley/internal/app"
	"github.com/avolkov/parley/internal/config"
	"github.com/avolkov/parley/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware tags every browser with a stable transport
// token. Session identity itself is issued by the registry at admit
// time; the token only correlates pre-auth logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, relay *app.Relay) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ParleySessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	reg := relay.Registry
	api := r.Group("/api")

	// GET /api/rooms — list rooms
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": reg.Rooms()})
	})

	// GET /api/rooms/:name — room info
	api.GET("/rooms/:name", func(c *gin.Context) {
		name := domain.RoomName(c.Param("name"))
		snap, ok := reg.Occupants(name)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"name":          snap.Room,
			"occupantCount": len(snap.Occupants),
		})
	})

	// GET /api/rooms/:name/occupants — occupant snapshot
	api.GET("/rooms/:name/occupants", func(c *gin.Context) {
		name := domain.RoomName(c.Param("name"))
		snap, ok := reg.Occupants(name)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	// DELETE /api/rooms/:name — evict occupants and delete room
	api.DELETE("/rooms/:name", func(c *gin.Context) {
		reg.StopRoom(domain.RoomName(c.Param("name")))
		c.Status(http.StatusNoContent)
	})

	// DELETE /api/rooms/:name/occupants/:id — kick one occupant
	api.DELETE("/rooms/:name/occupants/:id", func(c *gin.Context) {
		name := domain.RoomName(c.Param("name"))
		reg.Leave(domain.SessionID(c.Param("id")), name)
		c.Status(http.StatusNoContent)
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		ctrl := signal.NewController(relay, cfg)
		log.Info().Str("module", "adapters.http").Str("client_token", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
