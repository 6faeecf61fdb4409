package bitwarden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
)

const maxResponseBytes = 64 << 20

// envelope is the response wrapper used by every bw serve endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type listData struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
}

// request performs one call and decodes the envelope's data into out.
func (s *Session) request(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	log.Debugf("bw serve %s %s -> %d", method, path, resp.StatusCode)

	return decodeEnvelope(op, resp.StatusCode, raw, out, s.secrets()...)
}

func decodeEnvelope(op string, status int, raw []byte, out any, secrets ...string) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &TransportError{
			Op:         op,
			StatusCode: status,
			Detail:     Sanitize(string(raw), secrets...),
			Err:        fmt.Errorf("unparsable response: %w", err),
		}
	}
	if !env.Success {
		message := env.Message
		if message == "" {
			message = "request was not successful"
		}
		return &TransportError{Op: op, StatusCode: status, Detail: Sanitize(message, secrets...)}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &TransportError{
			Op:         op,
			StatusCode: status,
			Detail:     Sanitize(string(env.Data), secrets...),
			Err:        fmt.Errorf("unexpected response data: %w", err),
		}
	}
	return nil
}

func (s *Session) list(ctx context.Context, op, object string, query url.Values, out any) error {
	var data listData
	if err := s.request(ctx, op, http.MethodGet, "/list/object/"+object, query, nil, &data); err != nil {
		return err
	}
	if len(data.Data) == 0 || string(data.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data.Data, out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("unexpected %s listing: %w", object, err)}
	}
	return nil
}

// ListFolders returns folder name → id. The "No Folder" pseudo-folder is omitted.
func (s *Session) ListFolders(ctx context.Context) (map[string]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var folders []struct {
		ID   *string `json:"id"`
		Name string  `json:"name"`
	}
	if err := s.list(ctx, "list folders", "folders", nil, &folders); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(folders))
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for _, f := range folders {
		if f.ID == nil || *f.ID == "" {
			continue
		}
		out[f.Name] = *f.ID
		s.folders[f.Name] = *f.ID
	}
	return out, nil
}

// ListItems lists items, optionally narrowed by folder, organization or collection.
func (s *Session) ListItems(ctx context.Context, filter ItemFilter) ([]Item, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := url.Values{}
	if filter.FolderID != "" {
		query.Set("folderid", filter.FolderID)
	}
	if filter.OrganizationID != "" {
		query.Set("organizationId", filter.OrganizationID)
	}
	if filter.CollectionID != "" {
		query.Set("collectionId", filter.CollectionID)
	}
	var items []Item
	if err := s.list(ctx, "list items", "items", query, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// CreateFolder returns the id of the named folder, creating it once per session.
func (s *Session) CreateFolder(ctx context.Context, name string) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if id, ok := s.folders[name]; ok {
		return id, nil
	}
	var folder Folder
	if err := s.request(ctx, "create folder", http.MethodPost, "/object/folder", nil, map[string]string{"name": name}, &folder); err != nil {
		return "", err
	}
	s.folders[name] = folder.ID
	return folder.ID, nil
}

// CreateItem creates one item and returns it as stored by the server.
func (s *Session) CreateItem(ctx context.Context, item Item) (*Item, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var created Item
	if err := s.request(ctx, "create item", http.MethodPost, "/object/item", nil, item, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// EditItem replaces the stored item with item, matched by its id.
func (s *Session) EditItem(ctx context.Context, item Item) (*Item, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, fmt.Errorf("edit item %q: missing id", item.Name)
	}
	var updated Item
	if err := s.request(ctx, "edit item", http.MethodPut, "/object/item/"+url.PathEscape(item.ID), nil, item, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// EditItemCollections sets the collections of an organization item.
func (s *Session) EditItemCollections(ctx context.Context, itemID string, collectionIDs []string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if collectionIDs == nil {
		collectionIDs = []string{}
	}
	return s.request(ctx, "edit item collections", http.MethodPut, "/object/item-collections/"+url.PathEscape(itemID), nil, collectionIDs, nil)
}

// ListCollections returns collection name → id for org and preloads the
// collection cache when org is the session's organization.
func (s *Session) ListCollections(ctx context.Context, org string) (map[string]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var collections []Collection
	query := url.Values{"organizationid": []string{org}}
	if err := s.list(ctx, "list collections", "org-collections", query, &collections); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(collections))
	for _, c := range collections {
		out[c.Name] = c.ID
	}
	if org == s.cfg.OrganizationID {
		s.cacheMu.Lock()
		for name, id := range out {
			s.collections[name] = id
		}
		s.cacheMu.Unlock()
	}
	return out, nil
}

// CreateOrgCollection returns the id of the named collection in org, creating
// it when missing. An empty org yields "" without any request.
func (s *Session) CreateOrgCollection(ctx context.Context, name, org string) (string, error) {
	if org == "" {
		return "", nil
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	cached := org == s.cfg.OrganizationID
	if cached {
		s.cacheMu.Lock()
		defer s.cacheMu.Unlock()
		if id, ok := s.collections[name]; ok {
			return id, nil
		}
	}

	body := map[string]any{
		"organizationId": org,
		"name":           name,
		"groups":         []any{},
	}
	query := url.Values{"organizationid": []string{org}}
	var created Collection
	if err := s.request(ctx, "create collection", http.MethodPost, "/object/org-collection", query, body, &created); err != nil {
		return "", err
	}
	log.Printf("Created collection %q in organization %s", name, org)
	if cached {
		s.collections[name] = created.ID
	}
	return created.ID, nil
}

// Sync forces the server to pull the latest vault state: Ready → Syncing → Ready.
func (s *Session) Sync(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if err := s.advance(StateSyncing); err != nil {
		return err
	}
	err := s.request(ctx, "sync", http.MethodPost, "/sync", nil, nil, nil)
	if advErr := s.advance(StateReady); advErr != nil && err == nil {
		err = advErr
	}
	return err
}

// SubmitBatch bulk-creates every item of doc through the configured importer.
func (s *Session) SubmitBatch(ctx context.Context, doc *ImportDocument) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.cfg.Importer.Import(ctx, doc, ImportOptions{
		OrganizationID: s.cfg.OrganizationID,
		SessionToken:   s.sessionToken(),
		Secrets:        s.secrets(),
	})
}

// UploadAttachment uploads a single file to an existing item.
func (s *Session) UploadAttachment(ctx context.Context, job AttachmentJob) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.uploader(1).uploadOne(ctx, 0, job)
}

// UploadAttachments uploads every job with at most concurrency in flight.
func (s *Session) UploadAttachments(ctx context.Context, jobs []AttachmentJob, concurrency int) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.uploader(concurrency).Upload(ctx, jobs)
}

func (s *Session) uploader(concurrency int) *Uploader {
	return NewUploader(s.client, s.baseURL, concurrency, s.secrets()...)
}
