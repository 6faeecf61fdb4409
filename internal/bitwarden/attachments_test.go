package bitwarden_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlokans/vaultbridge/internal/bitwarden"
	"github.com/mrlokans/vaultbridge/internal/vaultstub"
)

func TestUploader_CollectsAllFailures(t *testing.T) {
	store := vaultstub.NewStore(testPassword)
	srv := httptest.NewServer(vaultstub.NewServer(store).Handler())
	t.Cleanup(srv.Close)
	_, ok := store.Unlock(testPassword)
	require.True(t, ok)

	failing := map[string]bool{"file-2.txt": true, "file-5.txt": true, "file-9.txt": true}
	store.FailAttachment = func(_, filename string) bool { return failing[filename] }

	item := store.AddItem(bitwarden.Item{Type: bitwarden.ItemTypeLogin, Name: "Bank"})
	jobs := make([]bitwarden.AttachmentJob, 10)
	for i := range jobs {
		jobs[i] = bitwarden.AttachmentJob{ItemID: item.ID, Filename: fmt.Sprintf("file-%d.txt", i), Data: []byte("data")}
	}

	err := bitwarden.NewUploader(srv.Client(), srv.URL, 3).Upload(context.Background(), jobs)

	var failures *bitwarden.UploadFailures
	require.ErrorAs(t, err, &failures)
	assert.Equal(t, 10, failures.Total)
	require.Len(t, failures.Failures, 3)
	for i, want := range []int{2, 5, 9} {
		f := failures.Failures[i]
		assert.Equal(t, want, f.Index)
		assert.Equal(t, fmt.Sprintf("file-%d.txt", want), f.Filename)
		assert.Equal(t, item.ID, f.ItemID)
		assert.Equal(t, http.StatusInternalServerError, f.StatusCode)
	}
	assert.Len(t, store.Attachments(item.ID), 7)

	var single *bitwarden.UploadError
	assert.ErrorAs(t, err, &single)
}

func TestUploader_BoundsConcurrency(t *testing.T) {
	var inFlight, peak, calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{}}`))
	}))
	t.Cleanup(srv.Close)

	jobs := make([]bitwarden.AttachmentJob, 12)
	for i := range jobs {
		jobs[i] = bitwarden.AttachmentJob{ItemID: "item", Filename: fmt.Sprintf("%d.bin", i)}
	}

	err := bitwarden.NewUploader(srv.Client(), srv.URL, 3).Upload(context.Background(), jobs)

	require.NoError(t, err)
	assert.Equal(t, int32(12), calls.Load())
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestUploader_UnparsableResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream\n\n  exploded session=abc123"))
	}))
	t.Cleanup(srv.Close)

	err := bitwarden.NewUploader(srv.Client(), srv.URL, 1).Upload(context.Background(), []bitwarden.AttachmentJob{{ItemID: "i", Filename: "a.txt"}})

	var failures *bitwarden.UploadFailures
	require.ErrorAs(t, err, &failures)
	require.Len(t, failures.Failures, 1)
	f := failures.Failures[0]
	assert.Equal(t, http.StatusBadGateway, f.StatusCode)
	assert.Contains(t, f.Message, "upstream exploded")
	assert.NotContains(t, f.Message, "abc123")
}

func TestUploader_NoJobs(t *testing.T) {
	assert.NoError(t, bitwarden.NewUploader(http.DefaultClient, "http://127.0.0.1:1", 2).Upload(context.Background(), nil))
}

func TestSession_UploadAttachments(t *testing.T) {
	store, port := startStub(t)
	session := openSession(t, testConfig(port))
	item := store.AddItem(bitwarden.Item{Type: bitwarden.ItemTypeLogin, Name: "Bank"})

	err := session.UploadAttachments(context.Background(), []bitwarden.AttachmentJob{
		{ItemID: item.ID, Filename: "notes.txt", Data: []byte("long notes")},
		{ItemID: item.ID, Filename: "key.pem", Data: []byte("pem")},
	}, 2)
	require.NoError(t, err)

	stored := store.Attachments(item.ID)
	require.Len(t, stored, 2)
	names := []string{stored[0].Filename, stored[1].Filename}
	assert.ElementsMatch(t, []string{"notes.txt", "key.pem"}, names)

	require.NoError(t, session.UploadAttachment(context.Background(), bitwarden.AttachmentJob{ItemID: item.ID, Filename: "x", Data: []byte("1")}))
	assert.Len(t, store.Attachments(item.ID), 3)
}
