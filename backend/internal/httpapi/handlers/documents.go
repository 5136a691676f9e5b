package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webodf/Kotype/backend/internal/cache"
	"github.com/webodf/Kotype/backend/internal/collab"
	"github.com/webodf/Kotype/backend/internal/httpapi/middleware"
	"github.com/webodf/Kotype/backend/internal/identity"
	"github.com/webodf/Kotype/backend/internal/model"
	"github.com/webodf/Kotype/backend/internal/ops"
	"github.com/webodf/Kotype/backend/internal/store"
)

const (
	guestTokenTTL = 2 * time.Hour
	guestPrefix   = "guest."
)

// DocumentRepo is the persistent side; see store.DocumentStore.
type DocumentRepo interface {
	Create(ctx context.Context, doc *model.Document) error
	List(ctx context.Context) ([]*model.Document, error)
}

// DocumentCache is the hot document set; see cache.WriteBack.
type DocumentCache interface {
	Load(ctx context.Context, id string) (*model.Document, error)
	Track(doc *model.Document) *model.Document
	IsTracked(id string) bool
}

type SessionLookup interface {
	Lookup(documentID string) (*collab.Session, bool)
}

type DocumentHandler struct {
	store    DocumentRepo
	docs     DocumentCache
	sessions SessionLookup
	presence cache.PresenceCache
	signer   *identity.Signer
	colors   *identity.ColorPicker
	log      *zap.Logger
	now      func() time.Time
}

// NewDocumentHandler takes a nil presence when Redis is disabled.
func NewDocumentHandler(s DocumentRepo, docs DocumentCache, sessions SessionLookup, presence cache.PresenceCache,
	signer *identity.Signer, colors *identity.ColorPicker, log *zap.Logger) *DocumentHandler {
	return &DocumentHandler{
		store:    s,
		docs:     docs,
		sessions: sessions,
		presence: presence,
		signer:   signer,
		colors:   colors,
		log:      log,
		now:      time.Now,
	}
}

type createReq struct {
	Name             string `json:"name"`
	Path             string `json:"path" binding:"required"`
	OriginalFileName string `json:"originalFileName"`
}

type documentResp struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	IsPublic bool      `json:"isPublic"`
	Head     int       `json:"head"`
	Editors  []uint64  `json:"editors"`
	Date     time.Time `json:"date"`
	// connected members of the live session
	Members int `json:"members"`
}

func (h *DocumentHandler) describe(doc *model.Document) documentResp {
	var resp documentResp
	doc.View(func(d *model.Document) {
		resp = documentResp{
			ID:       d.ID,
			Name:     d.Name,
			Path:     d.Path,
			IsPublic: d.IsPublic,
			Head:     len(d.Operations),
			Editors:  append([]uint64{}, d.Editors...),
			Date:     d.Date,
		}
	})
	if h.sessions != nil {
		if s, ok := h.sessions.Lookup(resp.ID); ok {
			resp.Members = len(s.Members())
		}
	}
	return resp
}

// Create handles POST /collab/documents.
func (h *DocumentHandler) Create(c *gin.Context) {
	user, ok := middleware.UserFrom(c)
	if !ok || user.IsGuest() {
		c.JSON(http.StatusForbidden, gin.H{"error": "guests cannot create documents"})
		return
	}
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := req.Name
	if name == "" {
		name = model.UntitledDocument
	}
	doc := &model.Document{
		ID:               uuid.NewString(),
		Path:             req.Path,
		Name:             name,
		OriginalFileName: req.OriginalFileName,
		Date:             h.now(),
		Operations:       ops.Log{},
		Editors:          []uint64{},
	}
	if err := h.store.Create(c.Request.Context(), doc); err != nil {
		if errors.Is(err, store.ErrPathTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("create document failed", zap.String("path", req.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	h.docs.Track(doc)
	h.log.Info("document created", zap.String("document", doc.ID), zap.Uint64("owner", user.ID))
	c.JSON(http.StatusCreated, gin.H{"id": doc.ID})
}

// List handles GET /collab/documents. Documents held in memory are
// reported as they are now, not as last flushed.
func (h *DocumentHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	docs, err := h.store.List(ctx)
	if err != nil {
		h.log.Error("list documents failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	out := make([]documentResp, 0, len(docs))
	for _, doc := range docs {
		if h.docs.IsTracked(doc.ID) {
			if hot, err := h.docs.Load(ctx, doc.ID); err == nil {
				doc = hot
			}
		}
		out = append(out, h.describe(doc))
	}
	c.JSON(http.StatusOK, out)
}

// Get handles GET /collab/documents/:id.
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, ok := h.load(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.describe(doc))
}

// Members handles GET /collab/documents/:id/members.
func (h *DocumentHandler) Members(c *gin.Context) {
	id := c.Param("id")
	if h.presence == nil {
		c.JSON(http.StatusOK, []cache.PresenceMember{})
		return
	}
	members, err := h.presence.AliveMembers(c.Request.Context(), id)
	if err != nil {
		h.log.Warn("presence lookup failed", zap.String("document", id), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, members)
}

type guestReq struct {
	DocumentID string `json:"documentId" binding:"required"`
	Name       string `json:"name"`
}

// Guest handles POST /collab/guest. It needs no token: it hands out one
// scoped to the guest identity, which only public documents admit.
func (h *DocumentHandler) Guest(c *gin.Context) {
	var req guestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc, ok := h.load(c, req.DocumentID)
	if !ok {
		return
	}
	var public bool
	doc.View(func(d *model.Document) { public = d.IsPublic })
	if !public {
		c.JSON(http.StatusForbidden, gin.H{"error": "document is not public"})
		return
	}

	name := req.Name
	if name == "" {
		name = "Guest"
	}
	u := &model.User{
		Username: guestPrefix + uuid.NewString(),
		Name:     name,
		Identity: model.GuestIdentity,
	}
	if h.colors != nil {
		u.Color = h.colors.Next()
	}
	token, exp, err := h.signer.Sign(u, guestTokenTTL)
	if err != nil {
		h.log.Error("sign guest token failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": exp, "username": u.Username, "color": u.Color})
}

func (h *DocumentHandler) load(c *gin.Context, id string) (*model.Document, bool) {
	doc, err := h.docs.Load(c.Request.Context(), id)
	switch {
	case err == nil:
		return doc, true
	case errors.Is(err, store.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
	default:
		h.log.Error("load document failed", zap.String("document", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load failed"})
	}
	return nil, false
}
