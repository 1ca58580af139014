package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/driftbox/mailbridge/internal/auth"
	"github.com/driftbox/mailbridge/internal/config"
	"github.com/driftbox/mailbridge/internal/models"
	"github.com/driftbox/mailbridge/internal/oauth"
	"github.com/driftbox/mailbridge/internal/service"
)

// Kicker nudges the background worker after a sync job is created.
type Kicker interface {
	Kick()
}

// ConnectionStore is the slice of the connection repository the handlers use.
type ConnectionStore interface {
	GetByID(ctx context.Context, userID, connectionID string) (*models.Connection, error)
	ListByUser(ctx context.Context, userID string) ([]models.Connection, error)
	ListActiveByUser(ctx context.Context, userID string) ([]models.Connection, error)
	Update(ctx context.Context, connectionID string, updates map[string]interface{}) error
	MarkFailed(ctx context.Context, connectionID string, status models.ConnectionStatus, lastError string) error
	Delete(ctx context.Context, userID, connectionID string) error
}

type SyncStore interface {
	Create(ctx context.Context, job *models.Sync) error
	GetForUser(ctx context.Context, userID, syncID string) (*models.Sync, error)
	GetInFlightByConnection(ctx context.Context, connectionID string) (*models.Sync, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Sync, error)
	MarkCancelled(ctx context.Context, syncID, note string) error
	Delete(ctx context.Context, syncID string) error
}

type MessageStore interface {
	Upsert(ctx context.Context, msg *models.Message) (bool, error)
	GetByID(ctx context.Context, userID, messageID string) (*models.Message, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Message, error)
	CountByUser(ctx context.Context, userID string) (int64, error)
	UpdateLabels(ctx context.Context, userID, messageID string, labelIDs []string) error
	Delete(ctx context.Context, userID, messageID string) error
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	cfg         *config.Config
	log         *logrus.Logger
	flow        *oauth.Flow
	provider    service.MailProvider
	credentials *service.CredentialAdapter
	connections ConnectionStore
	syncs       SyncStore
	messages    MessageStore
	resolver    auth.Resolver
	kicker      Kicker
}

func NewServer(
	cfg *config.Config,
	log *logrus.Logger,
	flow *oauth.Flow,
	provider service.MailProvider,
	credentials *service.CredentialAdapter,
	connections ConnectionStore,
	syncs SyncStore,
	messages MessageStore,
	resolver auth.Resolver,
	kicker Kicker,
) *Server {
	return &Server{
		cfg:         cfg,
		log:         log,
		flow:        flow,
		provider:    provider,
		credentials: credentials,
		connections: connections,
		syncs:       syncs,
		messages:    messages,
		resolver:    resolver,
		kicker:      kicker,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	r.GET("/health/:path_echo", s.health)

	// Provider redirect target; the provider cannot send bearer tokens, so
	// identity comes from the consumed state record instead.
	r.GET("/oauth/callback/google", s.oauthCallback)

	authed := r.Group("/", auth.Middleware(s.resolver))
	{
		authed.POST("/connections", s.createConnection)
		authed.GET("/connections", s.listConnections)
		authed.GET("/connections/:id", s.getConnection)
		authed.PATCH("/connections/:id", s.updateConnection)
		authed.DELETE("/connections/:id", s.deleteConnection)
		authed.POST("/connections/:id/test", s.testConnection)
		authed.POST("/connections/:id/refresh", s.refreshConnection)

		authed.POST("/syncs", s.createSyncs)
		authed.GET("/syncs", s.listSyncs)
		authed.GET("/syncs/:id", s.getSync)
		authed.GET("/syncs/:id/status", s.getSyncStatus)
		authed.DELETE("/syncs/:id", s.deleteSync)

		authed.GET("/messages", s.listMessages)
		authed.GET("/messages/:id", s.getMessage)
		authed.POST("/messages", s.sendMessage)
		authed.PATCH("/messages/:id", s.updateMessageLabels)
		authed.DELETE("/messages/:id", s.deleteMessage)
	}

	return r
}
