package http

import (
	nethttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"wireline/internal/delivery"
	"wireline/internal/group"
	"wireline/internal/identity"
	"wireline/internal/media"
	"wireline/internal/pairwise"
	"wireline/internal/presence"
	"wireline/internal/storage"
)

// Dependencies bundles every component the RPC surface calls into.
type Dependencies struct {
	Registry *identity.Registry
	Pairwise *pairwise.Engine
	Groups   *group.Engine
	Pipeline *delivery.Pipeline
	Presence *presence.Registry
	Media    *media.Store
	Messages storage.MessageLog
	GroupLog storage.GroupMessageLog
}

// NewRouter assembles the gin engine with rs/cors (the teacher's own CORS
// middleware choice — actuallydan-pollis's server wraps its gRPC-gateway
// mux the same way) and every route spec.md §6.1 names.
func NewRouter(deps Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	auth := NewAuthHandlers(deps.Registry)
	keys := NewKeyHandlers(deps.Registry)
	messaging := NewMessagingHandlers(deps.Pipeline, deps.Pairwise, deps.Groups, deps.Messages, deps.GroupLog)
	pres := NewPresenceHandlers(deps.Presence)
	mediaHandlers := NewMediaHandlers(deps.Media)

	r.GET("/healthz", auth.Health)

	v1 := r.Group("/v1")
	{
		v1.POST("/auth/register", auth.Register)
		v1.POST("/auth/login", auth.Login)
		v1.POST("/auth/logout", auth.Logout)
		v1.POST("/auth/refresh", auth.RefreshToken)
		v1.POST("/auth/validate", auth.ValidateToken)
		v1.GET("/users/search", auth.SearchUsers)
		v1.GET("/users/:id", auth.GetUserProfile)
		v1.GET("/keys/:userID/:deviceID/bundle", keys.GetKeyBundle)
		v1.GET("/keys/:userID/:deviceID/mls-package", keys.GetMLSKeyPackage)

		authed := v1.Group("")
		authed.Use(RequireAuth(deps.Registry))
		{
			authed.DELETE("/account", auth.DeleteAccount)
			authed.POST("/keys/pre-keys", keys.UploadPreKeys)
			authed.POST("/keys/mls-package", keys.UploadMLSKeyPackage)

			authed.POST("/messages", messaging.SendMessage)
			authed.GET("/messages/:userID", messaging.GetMessages)
			authed.POST("/messages/read", messaging.MarkAsRead)
			authed.DELETE("/messages/:userID/:messageID", messaging.DeleteMessage)
			authed.DELETE("/messages/:userID/all", messaging.ClearChat)
			authed.GET("/messages/:userID/stream", messaging.ReceiveMessages)
			authed.GET("/conversations", messaging.GetConversations)

			authed.POST("/groups", messaging.CreateGroup)
			authed.GET("/groups", messaging.GetGroups)
			authed.GET("/groups/:groupID", messaging.GetGroupByID)
			authed.POST("/groups/:groupID/members", messaging.AddGroupMember)
			authed.DELETE("/groups/:groupID/members", messaging.RemoveGroupMember)
			authed.POST("/groups/:groupID/leave", messaging.LeaveGroup)
			authed.POST("/groups/:groupID/messages", messaging.SendGroupMessage)
			authed.GET("/groups/:groupID/messages", messaging.GetGroupMessages)

			authed.POST("/presence/status", pres.UpdateStatus)
			authed.GET("/presence/:userID", pres.GetStatus)
			authed.POST("/presence/bulk", pres.GetBulkStatus)
			authed.POST("/presence/heartbeat", pres.UpdateLastSeen)
			authed.POST("/presence/typing", pres.SetTyping)
			authed.GET("/presence/subscribe", pres.Subscribe)

			authed.POST("/media/presign-upload", mediaHandlers.PresignUpload)
			authed.GET("/media/presign-download", mediaHandlers.PresignDownload)
			authed.DELETE("/media", mediaHandlers.Delete)
		}
	}

	return r
}

// WithCORS wraps the router the same way actuallydan-pollis's own HTTP
// surface wraps its gRPC-web mux (server/cmd/server/main.go: rs/cors'
// Handler around the whole handler, not per-route middleware).
func WithCORS(r *gin.Engine, origins []string) nethttp.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return corsHandler.Handler(r)
}
