package api

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/repositories"
	"github.com/pandega/wicara/internal/auth"
	"github.com/pandega/wicara/internal/ingest"
	"github.com/pandega/wicara/internal/websocket"
)

const maxDocumentBytes = 10 << 20 // 10MB per upload

// InitRoutes initializes all API routes
func InitRoutes(
	e *echo.Echo,
	hub *websocket.Hub,
	tokens *auth.TokenManager,
	documents *ingest.Service,
	personas repositories.PersonaStore,
	logger *zap.Logger,
) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "wicara-server",
		})
	})

	v1 := e.Group("/api/v1")

	v1.POST("/token", func(c echo.Context) error {
		return mintToken(c, tokens, logger)
	})

	// Knowledge base management
	v1.POST("/documents", func(c echo.Context) error {
		return uploadDocument(c, documents, logger)
	})
	v1.GET("/documents", func(c echo.Context) error {
		return c.JSON(http.StatusOK, DocumentListResponse{Documents: documents.List()})
	})
	v1.DELETE("/documents/:id", func(c echo.Context) error {
		return deleteDocument(c, documents, logger)
	})

	// Agent persona
	v1.GET("/prompt", func(c echo.Context) error {
		return getPersona(c, personas, logger)
	})
	v1.PUT("/prompt", func(c echo.Context) error {
		return updatePersona(c, personas, logger)
	})

	// WebSocket endpoints with JWT validation
	e.GET("/ws/caller", func(c echo.Context) error {
		return socketWithAuth(hub, c, tokens, auth.RoleCaller, logger)
	})
	e.GET("/ws/observer", func(c echo.Context) error {
		return socketWithAuth(hub, c, tokens, auth.RoleObserver, logger)
	})
}

func mintToken(c echo.Context, tokens *auth.TokenManager, logger *zap.Logger) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.Identity == "" || req.Role == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Identity and role are required",
		})
	}

	token, err := tokens.MintToken(req.Identity, req.Role)
	if err != nil {
		logger.Warn("Token mint rejected",
			zap.String("identity", req.Identity),
			zap.String("role", req.Role),
			zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "token_rejected",
			Message: err.Error(),
		})
	}

	logger.Info("Join token minted",
		zap.String("identity", req.Identity),
		zap.String("role", req.Role))

	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(24 * time.Hour),
		Identity:  req.Identity,
		Role:      req.Role,
	})
}

func uploadDocument(c echo.Context, documents *ingest.Service, logger *zap.Logger) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_file",
			Message: "Multipart field 'file' is required",
		})
	}
	if fileHeader.Size > maxDocumentBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "file_too_large",
			Message: "Document exceeds the upload size limit",
		})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "unreadable_file",
			Message: "Failed to open uploaded file",
		})
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxDocumentBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "unreadable_file",
			Message: "Failed to read uploaded file",
		})
	}

	doc, err := documents.Upload(c.Request().Context(), fileHeader.Filename, content)
	if err != nil {
		logger.Error("Document upload failed",
			zap.String("filename", fileHeader.Filename),
			zap.Error(err))
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "ingestion_failed",
			Message: err.Error(),
		})
	}

	return c.JSON(http.StatusCreated, doc)
}

func deleteDocument(c echo.Context, documents *ingest.Service, logger *zap.Logger) error {
	docID := c.Param("id")
	if err := documents.Delete(c.Request().Context(), docID); err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: err.Error(),
		})
	}
	return c.NoContent(http.StatusNoContent)
}

func getPersona(c echo.Context, personas repositories.PersonaStore, logger *zap.Logger) error {
	text, err := personas.Get()
	if err != nil {
		logger.Error("Failed to read persona", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "persona_read_failed",
			Message: "Failed to read persona",
		})
	}
	return c.JSON(http.StatusOK, PersonaResponse{Prompt: text})
}

func updatePersona(c echo.Context, personas repositories.PersonaStore, logger *zap.Logger) error {
	var req PersonaUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if err := personas.Set(req.Prompt); err != nil {
		logger.Error("Failed to update persona", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "persona_write_failed",
			Message: "Failed to update persona",
		})
	}

	logger.Info("Persona updated via API", zap.Int("length", len(req.Prompt)))
	return c.JSON(http.StatusOK, PersonaResponse{Prompt: req.Prompt})
}

// socketWithAuth validates the join token and hands the connection to the hub.
// Browsers cannot set headers on WebSocket upgrades, so the token is accepted
// from either the Authorization header or a query parameter.
func socketWithAuth(hub *websocket.Hub, c echo.Context, tokens *auth.TokenManager, wantRole string, logger *zap.Logger) error {
	var token string
	authHeader := c.Request().Header.Get("Authorization")
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		token = authHeader[7:]
	}
	if token == "" {
		token = c.QueryParam("token")
	}

	if token == "" {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required",
		})
	}

	claims, err := tokens.ValidateToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	if claims.Role != wantRole {
		logger.Warn("WebSocket connection rejected: wrong role",
			zap.String("role", claims.Role),
			zap.String("wanted", wantRole))
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_role",
			Message: "Token role does not match this endpoint",
		})
	}

	logger.Info("WebSocket connection authenticated",
		zap.String("identity", claims.Identity),
		zap.String("role", claims.Role))

	if wantRole == auth.RoleCaller {
		return hub.HandleCallerSocket(c, claims.Identity)
	}
	return hub.HandleObserverSocket(c, claims.Identity)
}
