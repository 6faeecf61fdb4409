package bitwarden

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

const DefaultUploadConcurrency = 4

// Uploader posts attachment files to bw serve with bounded concurrency.
type Uploader struct {
	client      *http.Client
	baseURL     string
	concurrency int
	secrets     []string
}

func NewUploader(client *http.Client, baseURL string, concurrency int, secrets ...string) *Uploader {
	if concurrency < 1 {
		concurrency = DefaultUploadConcurrency
	}
	return &Uploader{client: client, baseURL: baseURL, concurrency: concurrency, secrets: secrets}
}

// Upload runs every job, even after failures, and returns *UploadFailures
// listing each failed job in job order once all of them have finished.
func (u *Uploader) Upload(ctx context.Context, jobs []AttachmentJob) error {
	if len(jobs) == 0 {
		return nil
	}
	sem := semaphore.NewWeighted(int64(u.concurrency))
	failures := make([]*UploadError, len(jobs))

	var wg sync.WaitGroup
	for i, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			failures[i] = &UploadError{Index: i, ItemID: job.ItemID, Filename: job.Filename, Message: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int, job AttachmentJob) {
			defer wg.Done()
			defer sem.Release(1)
			if err := u.uploadOne(ctx, i, job); err != nil {
				var upErr *UploadError
				if !errors.As(err, &upErr) {
					upErr = &UploadError{Index: i, ItemID: job.ItemID, Filename: job.Filename, Message: err.Error()}
				}
				failures[i] = upErr
				return
			}
			log.Debugf("Uploaded attachment %q to item %s", job.Filename, job.ItemID)
		}(i, job)
	}
	wg.Wait()

	var errs error
	var failed []*UploadError
	for _, f := range failures {
		if f == nil {
			continue
		}
		failed = append(failed, f)
		errs = multierr.Append(errs, f)
	}
	if len(failed) == 0 {
		return nil
	}
	return &UploadFailures{Total: len(jobs), Failures: failed, errs: errs}
}

func (u *Uploader) uploadOne(ctx context.Context, index int, job AttachmentJob) error {
	fail := func(status int, message string) error {
		return &UploadError{
			Index:      index,
			ItemID:     job.ItemID,
			Filename:   job.Filename,
			StatusCode: status,
			Message:    Sanitize(message, u.secrets...),
		}
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", job.Filename)
	if err != nil {
		return fail(0, err.Error())
	}
	if _, err := part.Write(job.Data); err != nil {
		return fail(0, err.Error())
	}
	if err := form.Close(); err != nil {
		return fail(0, err.Error())
	}

	endpoint := u.baseURL + "/attachment?" + url.Values{"itemid": []string{job.ItemID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fail(0, err.Error())
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return fail(0, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(resp.StatusCode, err.Error())
	}
	if err := decodeEnvelope("upload attachment", resp.StatusCode, raw, nil, u.secrets...); err != nil {
		var terr *TransportError
		if errors.As(err, &terr) && terr.Detail != "" {
			return fail(resp.StatusCode, terr.Detail)
		}
		return fail(resp.StatusCode, err.Error())
	}
	return nil
}

// String is used in progress logs.
func (j AttachmentJob) String() string {
	return fmt.Sprintf("%s (%d bytes) → %s", j.Filename, len(j.Data), j.ItemID)
}
