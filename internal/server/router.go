package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/driveline/forum/backend/internal/auth"
	"github.com/driveline/forum/backend/internal/forum"
	"github.com/driveline/forum/backend/internal/realtime"
	"github.com/driveline/forum/backend/internal/reputation"
	"github.com/driveline/forum/backend/internal/slug"
	"github.com/driveline/forum/backend/internal/voting"
)

const identityContextKey = "forum_identity"

var (
	errMissingValidator    = errors.New("session validator dependency required")
	errMissingForumService = errors.New("forum service dependency required")
	errMissingVoteLedger   = errors.New("vote ledger dependency required")
	errInvalidAuth         = errors.New("authorization header missing or invalid")
)

// SessionValidator verifies identity-provider tokens.
type SessionValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

// Dependencies wires the HTTP layer to the engine components.
type Dependencies struct {
	Validator  SessionValidator
	Forum      *forum.Service
	Votes      *voting.Ledger
	Reputation *reputation.Engine
	Slugs      *slug.Registry
	Hub        *realtime.Hub
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router for the forum API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Forum == nil {
		return nil, errMissingForumService
	}
	if deps.Votes == nil {
		return nil, errMissingVoteLedger
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator:  deps.Validator,
		forum:      deps.Forum,
		votes:      deps.Votes,
		reputation: deps.Reputation,
		slugs:      deps.Slugs,
		hub:        deps.Hub,
		logger:     logger,
	}

	router.GET("/categories", handler.handleListCategories)
	router.GET("/categories/:categoryID/threads", handler.handleListThreads)
	router.GET("/threads/:threadID", handler.handleGetThread)
	router.GET("/threads/:threadID/replies", handler.handleListReplies)
	router.GET("/slugs/:namespace/:slug", handler.handleResolveSlug)
	router.GET("/users/:userID/reputation", handler.handleReputation)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/categories", handler.handleCreateCategory)
	protected.POST("/threads", handler.handleCreateThread)
	protected.PATCH("/threads/:threadID", handler.handleRenameThread)
	protected.POST("/threads/:threadID/status", handler.handleSetThreadStatus)
	protected.POST("/threads/:threadID/replies", handler.handleCreateReply)
	protected.PATCH("/replies/:replyID", handler.handleEditReply)
	protected.POST("/votes", handler.handleCastVote)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

type httpHandler struct {
	validator  SessionValidator
	forum      *forum.Service
	votes      *voting.Ledger
	reputation *reputation.Engine
	slugs      *slug.Registry
	hub        *realtime.Hub
	logger     *zap.Logger
}

// authorizeRequest accepts a Bearer token, or an access_token query parameter
// for EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}

	identity, err := h.validator.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if h.reputation != nil {
		if err := h.reputation.EnsureRecord(c.Request.Context(), identity); err != nil {
			h.logger.Warn("reputation record seeding failed",
				zap.String("user_id", identity.UserID),
				zap.Error(err))
		}
	}

	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) identity(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok
}

// respondError maps the domain error taxonomy onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch forum.KindOf(err) {
	case forum.KindValidation:
		status = http.StatusBadRequest
	case forum.KindAuthorization:
		status = http.StatusForbidden
	case forum.KindNotFound:
		status = http.StatusNotFound
	case forum.KindConflict:
		status = http.StatusConflict
	case forum.KindEditWindowExpired, forum.KindSelfVote:
		status = http.StatusUnprocessableEntity
	}

	message := "internal_error"
	var domainErr *forum.DomainError
	if errors.As(err, &domainErr) && status != http.StatusInternalServerError {
		message = domainErr.Code
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": message})
}

type categoryPayload struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	Description  string `json:"description"`
	DisplayOrder int    `json:"display_order"`
	IsActive     bool   `json:"is_active"`
}

type threadPayload struct {
	ID                    string `json:"id"`
	CategoryID            string `json:"category_id"`
	AuthorID              string `json:"author_id"`
	Title                 string `json:"title"`
	Slug                  string `json:"slug"`
	Body                  string `json:"body"`
	Status                string `json:"status"`
	CreatedAtSeconds      int64  `json:"created_at_s"`
	LastActivityAtSeconds int64  `json:"last_activity_at_s"`
	ReplyCount            int64  `json:"reply_count"`
	Score                 int64  `json:"score"`
}

type replyPayload struct {
	ID               string  `json:"id"`
	ThreadID         string  `json:"thread_id"`
	AuthorID         string  `json:"author_id"`
	Body             string  `json:"body"`
	CreatedAtSeconds int64   `json:"created_at_s"`
	EditedAtSeconds  *int64  `json:"edited_at_s,omitempty"`
	Score            int64   `json:"score"`
	ParentReplyID    *string `json:"parent_reply_id,omitempty"`
}

func categoryToPayload(category forum.Category) categoryPayload {
	return categoryPayload{
		ID:           category.ID,
		Name:         category.Name,
		Slug:         category.Slug,
		Description:  category.Description,
		DisplayOrder: category.DisplayOrder,
		IsActive:     category.IsActive,
	}
}

func threadToPayload(thread forum.Thread) threadPayload {
	return threadPayload{
		ID:                    thread.ID,
		CategoryID:            thread.CategoryID,
		AuthorID:              thread.AuthorID,
		Title:                 thread.Title,
		Slug:                  thread.Slug,
		Body:                  thread.Body,
		Status:                string(thread.Status),
		CreatedAtSeconds:      thread.CreatedAtSeconds,
		LastActivityAtSeconds: thread.LastActivityAtSeconds,
		ReplyCount:            thread.ReplyCount,
		Score:                 thread.Score,
	}
}

func replyToPayload(reply forum.Reply) replyPayload {
	return replyPayload{
		ID:               reply.ID,
		ThreadID:         reply.ThreadID,
		AuthorID:         reply.AuthorID,
		Body:             reply.Body,
		CreatedAtSeconds: reply.CreatedAtSeconds,
		EditedAtSeconds:  reply.EditedAtSeconds,
		Score:            reply.Score,
		ParentReplyID:    reply.ParentReplyID,
	}
}

func (h *httpHandler) handleListCategories(c *gin.Context) {
	categories, err := h.forum.ListCategories(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]categoryPayload, 0, len(categories))
	for _, category := range categories {
		payloads = append(payloads, categoryToPayload(category))
	}
	c.JSON(http.StatusOK, gin.H{"categories": payloads})
}

type createCategoryRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	DisplayOrder int    `json:"display_order"`
}

func (h *httpHandler) handleCreateCategory(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createCategoryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	category, err := h.forum.CreateCategory(c.Request.Context(), identity, request.Name, request.Description, request.DisplayOrder)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, categoryToPayload(category))
}

type createThreadRequest struct {
	CategoryID string `json:"category_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

func (h *httpHandler) handleCreateThread(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createThreadRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.CategoryID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	thread, err := h.forum.CreateThread(c.Request.Context(), identity, request.CategoryID, request.Title, request.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, threadToPayload(thread))
}

type renameThreadRequest struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleRenameThread(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request renameThreadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	thread, err := h.forum.RenameThread(c.Request.Context(), identity, c.Param("threadID"), request.Title)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, threadToPayload(thread))
}

func (h *httpHandler) handleGetThread(c *gin.Context) {
	thread, err := h.forum.GetThread(c.Request.Context(), c.Param("threadID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, threadToPayload(thread))
}

type setThreadStatusRequest struct {
	Status string `json:"status"`
}

func (h *httpHandler) handleSetThreadStatus(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request setThreadStatusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := forum.ParseThreadStatus(request.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	thread, err := h.forum.SetThreadStatus(c.Request.Context(), identity, c.Param("threadID"), status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, threadToPayload(thread))
}

type createReplyRequest struct {
	Body          string  `json:"body"`
	ParentReplyID *string `json:"parent_reply_id"`
}

func (h *httpHandler) handleCreateReply(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createReplyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	reply, err := h.forum.CreateReply(c.Request.Context(), identity, c.Param("threadID"), request.Body, request.ParentReplyID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, replyToPayload(reply))
}

type editReplyRequest struct {
	Body string `json:"body"`
}

func (h *httpHandler) handleEditReply(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request editReplyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	reply, err := h.forum.EditReply(c.Request.Context(), identity, c.Param("replyID"), request.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, replyToPayload(reply))
}

type castVoteRequest struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Direction  int    `json:"direction"`
}

func (h *httpHandler) handleCastVote(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request castVoteRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.TargetID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	score, err := h.votes.CastVote(c.Request.Context(), identity, voting.TargetType(request.TargetType), request.TargetID, request.Direction)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": score})
}

func (h *httpHandler) handleListThreads(c *gin.Context) {
	sort, err := forum.ParseThreadSort(c.Query("sort"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sort"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	page, err := h.forum.ListThreads(c.Request.Context(), c.Param("categoryID"), sort, c.Query("cursor"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	items := make([]threadPayload, 0, len(page.Items))
	for _, thread := range page.Items {
		items = append(items, threadToPayload(thread))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "next_cursor": page.NextCursor})
}

func (h *httpHandler) handleListReplies(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.forum.ListReplies(c.Request.Context(), c.Param("threadID"), c.Query("cursor"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	items := make([]replyPayload, 0, len(page.Items))
	for _, reply := range page.Items {
		items = append(items, replyToPayload(reply))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "next_cursor": page.NextCursor})
}

func (h *httpHandler) handleResolveSlug(c *gin.Context) {
	if h.slugs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	resolution, err := h.slugs.Resolve(c.Request.Context(), c.Param("namespace"), c.Param("slug"))
	if errors.Is(err, slug.ErrSlugNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity_id": resolution.EntityID, "is_current": resolution.IsCurrent})
}

func (h *httpHandler) handleReputation(c *gin.Context) {
	if h.reputation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	userID := c.Param("userID")
	score, err := h.reputation.Score(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "score": score})
}
