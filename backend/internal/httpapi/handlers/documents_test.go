package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webodf/Kotype/backend/internal/cache"
	"github.com/webodf/Kotype/backend/internal/collab"
	"github.com/webodf/Kotype/backend/internal/httpapi/middleware"
	"github.com/webodf/Kotype/backend/internal/identity"
	"github.com/webodf/Kotype/backend/internal/model"
	"github.com/webodf/Kotype/backend/internal/store"
)

type stubPresence struct {
	members []cache.PresenceMember
}

func (stubPresence) AddMember(context.Context, string, string, string, time.Duration) error {
	return nil
}
func (stubPresence) RemoveMember(context.Context, string, string) error { return nil }
func (p stubPresence) AliveMembers(context.Context, string) ([]cache.PresenceMember, error) {
	return p.members, nil
}

type quietPeer struct {
	user *model.User
	done chan struct{}
}

func (p *quietPeer) User() *model.User { return p.user }
func (p *quietPeer) Send(collab.Outbound) {}
func (p *quietPeer) Kick() {}
func (p *quietPeer) Done() <-chan struct{} { return p.done }

type fixture struct {
	router   *gin.Engine
	signer   *identity.Signer
	wb       *cache.WriteBack
	store    *store.MemoryStore
	registry *collab.Registry
}

func newFixture(t *testing.T, presence cache.PresenceCache, docs ...*model.Document) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ms := store.NewMemoryStore(docs...)
	wb := cache.NewWriteBack(ms, zap.NewNop())
	signer := identity.NewSigner("test")
	colors := identity.NewColorPicker()
	reg := collab.NewRegistry(wb, collab.SessionOptions{})
	h := NewDocumentHandler(ms, wb, reg, presence, signer, colors, zap.NewNop())

	r := gin.New()
	r.POST("/collab/guest", h.Guest)
	g := r.Group("/collab", middleware.Auth(signer, colors))
	g.GET("/documents", h.List)
	g.POST("/documents", h.Create)
	g.GET("/documents/:id", h.Get)
	g.GET("/documents/:id/members", h.Members)
	return &fixture{router: r, signer: signer, wb: wb, store: ms, registry: reg}
}

func (f *fixture) do(t *testing.T, method, path string, u *model.User, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if u != nil {
		token, _, err := f.signer.Sign(u, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

var ann = &model.User{ID: 7, Username: "ann"}

func TestCreateAndGetDocument(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/collab/documents", ann, gin.H{"path": "a/report.odt", "originalFileName": "report.odt"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.True(t, f.wb.IsTracked(created.ID))

	w = f.do(t, http.MethodGet, "/collab/documents/"+created.ID, ann, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doc documentResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, model.UntitledDocument, doc.Name)
	assert.Equal(t, "a/report.odt", doc.Path)
	assert.Equal(t, 0, doc.Head)
	assert.False(t, doc.IsPublic)
	assert.Empty(t, doc.Editors)

	w = f.do(t, http.MethodPost, "/collab/documents", ann, gin.H{"path": "a/report.odt"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListDocuments(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, nil,
		&model.Document{ID: "old", Path: "old.odt", Name: "Old", Date: base},
		&model.Document{ID: "new", Path: "new.odt", Name: "New", Date: base.Add(time.Hour)},
	)
	ctx := context.Background()

	// the hot copy has changes the store has not seen yet
	hot, err := f.wb.Load(ctx, "old")
	require.NoError(t, err)
	hot.Update(func(d *model.Document) { d.Name = "Renamed" })

	peer := &quietPeer{user: &model.User{ID: 9, Username: "bob"}, done: make(chan struct{})}
	_, _, err = f.registry.Resolve(ctx, "new", peer, "")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/collab/documents", ann, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "operations")

	var docs []documentResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, "new", docs[0].ID)
	assert.Equal(t, 1, docs[0].Members)
	assert.Equal(t, 1, docs[0].Head)
	assert.Equal(t, "old", docs[1].ID)
	assert.Equal(t, "Renamed", docs[1].Name)
	assert.Zero(t, docs[1].Members)

	got := f.do(t, http.MethodGet, "/collab/documents/new", ann, nil)
	require.Equal(t, http.StatusOK, got.Code)
	var one documentResp
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &one))
	assert.Equal(t, 1, one.Members)
}

func TestCreateRejectsGuestsAndBadBodies(t *testing.T) {
	f := newFixture(t, nil)
	guest := &model.User{Username: "guest.x", Identity: model.GuestIdentity}
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/collab/documents", guest, gin.H{"path": "p"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/collab/documents", ann, gin.H{"name": "x"}).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/collab/documents", nil, gin.H{"path": "p"}).Code)
}

func TestGetUnknownDocument(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/collab/documents/nope", ann, nil).Code)
	assert.Zero(t, f.wb.Len())
}

func TestMembers(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/collab/documents/D/members", ann, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	f = newFixture(t, stubPresence{members: []cache.PresenceMember{{MemberID: "ann_D_1", Name: "Ann"}}})
	w = f.do(t, http.MethodGet, "/collab/documents/D/members", ann, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"memberId":"ann_D_1","name":"Ann"}]`, w.Body.String())
}

func TestGuestToken(t *testing.T) {
	f := newFixture(t, nil,
		&model.Document{ID: "pub", Path: "pub.odt", IsPublic: true},
		&model.Document{ID: "priv", Path: "priv.odt"},
	)

	w := f.do(t, http.MethodPost, "/collab/guest", nil, gin.H{"documentId": "pub", "name": "Visitor"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token    string `json:"token"`
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	claims, err := f.signer.Parse(resp.Token)
	require.NoError(t, err)
	u := claims.User()
	assert.True(t, u.IsGuest())
	assert.Equal(t, "Visitor", u.Name)
	assert.Equal(t, resp.Username, u.Username)
	assert.Regexp(t, `^guest\.`, u.Username)
	assert.Regexp(t, `^#[0-9a-f]{6}$`, u.Color)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/collab/guest", nil, gin.H{"documentId": "priv"}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/collab/guest", nil, gin.H{"documentId": "gone"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/collab/guest", nil, gin.H{}).Code)
}
