package vaultstub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/mrlokans/vaultbridge/internal/bitwarden"
)

type Server struct {
	store  *Store
	engine *gin.Engine
}

// NewServer builds the gin router over store.
func NewServer(store *Store) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{store: store, engine: router}

	router.GET("/status", s.status)
	router.POST("/unlock", s.unlock)

	vault := router.Group("/", s.requireUnlocked)
	vault.POST("/sync", s.sync)
	vault.GET("/list/object/items", s.listItems)
	vault.GET("/list/object/folders", s.listFolders)
	vault.GET("/list/object/org-collections", s.listCollections)
	vault.POST("/object/folder", s.createFolder)
	vault.POST("/object/item", s.createItem)
	vault.PUT("/object/item/:id", s.editItem)
	vault.PUT("/object/item-collections/:id", s.editItemCollections)
	vault.POST("/object/org-collection", s.createCollection)
	vault.POST("/attachment", s.uploadAttachment)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Store() *Store {
	return s.store
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Stub vault listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

func list(c *gin.Context, data any) {
	ok(c, gin.H{"object": "list", "data": data})
}

func (s *Server) requireUnlocked(c *gin.Context) {
	if !s.store.isUnlocked() {
		fail(c, http.StatusBadRequest, "Vault is locked.")
		return
	}
	c.Next()
}

func (s *Server) status(c *gin.Context) {
	status := "locked"
	if s.store.isUnlocked() {
		status = "unlocked"
	}
	ok(c, gin.H{"object": "template", "template": gin.H{"status": status}})
}

func (s *Server) unlock(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request.")
		return
	}
	token, unlocked := s.store.Unlock(req.Password)
	if !unlocked {
		fail(c, http.StatusBadRequest, "Invalid master password.")
		return
	}
	ok(c, gin.H{"object": "message", "title": "Your vault is now unlocked!", "raw": token})
}

func (s *Server) sync(c *gin.Context) {
	s.store.sync()
	ok(c, gin.H{"object": "message", "title": "Syncing complete."})
}

func (s *Server) listItems(c *gin.Context) {
	items := s.store.listItems(bitwarden.ItemFilter{
		FolderID:       c.Query("folderid"),
		OrganizationID: c.Query("organizationId"),
		CollectionID:   c.Query("collectionId"),
	})
	list(c, items)
}

func (s *Server) listFolders(c *gin.Context) {
	type folder struct {
		ID   *string `json:"id"`
		Name string  `json:"name"`
	}
	// bw serve lists the "No Folder" pseudo-folder with a null id.
	out := []folder{{ID: nil, Name: "No Folder"}}
	for _, f := range s.store.Folders() {
		id := f.ID
		out = append(out, folder{ID: &id, Name: f.Name})
	}
	list(c, out)
}

func (s *Server) listCollections(c *gin.Context) {
	org := c.Query("organizationid")
	if org == "" {
		fail(c, http.StatusBadRequest, "--organizationid <organizationid> required.")
		return
	}
	collections := s.store.Collections(org)
	if collections == nil {
		collections = []bitwarden.Collection{}
	}
	list(c, collections)
}

func (s *Server) createFolder(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		fail(c, http.StatusBadRequest, "Folder name is required.")
		return
	}
	ok(c, bitwarden.Folder{ID: s.store.AddFolder(req.Name), Name: req.Name})
}

func (s *Server) createItem(c *gin.Context) {
	var item bitwarden.Item
	if err := c.ShouldBindJSON(&item); err != nil {
		fail(c, http.StatusBadRequest, "Invalid item.")
		return
	}
	ok(c, s.store.AddItem(item))
}

func (s *Server) editItem(c *gin.Context) {
	var item bitwarden.Item
	if err := c.ShouldBindJSON(&item); err != nil {
		fail(c, http.StatusBadRequest, "Invalid item.")
		return
	}
	item.ID = c.Param("id")
	updated, err := s.store.UpdateItem(item)
	if err != nil {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	ok(c, updated)
}

func (s *Server) editItemCollections(c *gin.Context) {
	var ids []string
	if err := c.ShouldBindJSON(&ids); err != nil {
		fail(c, http.StatusBadRequest, "Invalid collection ids.")
		return
	}
	updated, err := s.store.SetItemCollections(c.Param("id"), ids)
	if err != nil {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	ok(c, updated)
}

func (s *Server) createCollection(c *gin.Context) {
	var req struct {
		OrganizationID string `json:"organizationId"`
		Name           string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		fail(c, http.StatusBadRequest, "Collection name is required.")
		return
	}
	org := c.Query("organizationid")
	if org == "" {
		org = req.OrganizationID
	}
	id := s.store.AddCollection(org, req.Name)
	ok(c, bitwarden.Collection{ID: id, OrganizationID: org, Name: req.Name})
}

func (s *Server) uploadAttachment(c *gin.Context) {
	itemID := c.Query("itemid")
	header, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "File is required.")
		return
	}
	if hook := s.store.FailAttachment; hook != nil && hook(itemID, header.Filename) {
		fail(c, http.StatusInternalServerError, "Attachment upload failed.")
		return
	}
	file, err := header.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.addAttachment(itemID, header.Filename, data); err != nil {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	ok(c, gin.H{"object": "item", "id": itemID})
}

// Importer applies bulk imports directly to a store, standing in for `bw import`.
type Importer struct {
	Store *Store
	// Err, when set, fails every import.
	Err error
	// Calls records every import received.
	Calls []bitwarden.ImportOptions
}

func (i *Importer) Import(_ context.Context, doc *bitwarden.ImportDocument, opts bitwarden.ImportOptions) error {
	i.Calls = append(i.Calls, opts)
	if i.Err != nil {
		return &bitwarden.ImportError{ExitCode: 1, Output: bitwarden.Sanitize(i.Err.Error(), opts.SessionToken), Err: i.Err}
	}
	return i.Store.Import(doc, opts.OrganizationID)
}
