// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/finngen/mmpmerge/codec"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// FileArtifact identifies a summary statistics file known to the
// merge service: either a published phenotype (Collection and
// Phenocode) or a previous upload (FileID).
type FileArtifact struct {
	Tag string `json:"tag" validate:"required"`
	codec.FileColumnsDefinition
	PvalThreshold float64 `json:"pval_threshold" validate:"gt=0"`
	Collection    string  `json:"collection,omitempty"`
	Phenocode     string  `json:"phenocode,omitempty" validate:"required_without=FileID"`
	Phenostring   string  `json:"phenostring,omitempty"`
	FileID        string  `json:"fileId,omitempty" validate:"required_without=Phenocode"`
}

// JobRequest is the body of a create-job request.
type JobRequest struct {
	Inputs    []FileArtifact `json:"inputs"`
	Variants  []string       `json:"variants"`
	BlockSize int            `json:"block_size,omitempty"`
}

// JobSummary describes a completed merge job. Variants holds the
// variant keys of each block the service produced.
type JobSummary struct {
	JobID      string     `json:"-"`
	FileSize   int64      `json:"filesize"`
	LineCount  int64      `json:"linecount"`
	BlockCount int        `json:"blockcount"`
	Variants   [][]string `json:"variants"`
	Headers    []string   `json:"headers"`
}

// RemoteClient talks to the merge service.
type RemoteClient struct {
	BaseURL    string
	HTTPClient *http.Client

	// Delay between status requests.
	PollInterval time.Duration
	// Give up waiting for a job after this long (0 = no limit).
	PollTimeout time.Duration
	// Give up after this many status requests (0 = no limit).
	MaxPollAttempts int
	// Maximum number of blocks to download at once.
	FetchConcurrency int

	// Sleep waits for d or until ctx is done. If nil, a timer
	// is used.
	Sleep func(ctx context.Context, d time.Duration) error

	Metrics *Metrics
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (rc *RemoteClient) httpClient() *http.Client {
	if rc.HTTPClient != nil {
		return rc.HTTPClient
	}
	return http.DefaultClient
}

func (rc *RemoteClient) url(path string) string {
	return strings.TrimSuffix(rc.BaseURL, "/") + path
}

// do sends a request with a fresh X-Request-Id and returns the
// response status and body.
func (rc *RemoteClient) do(ctx context.Context, op, method, path string, body []byte) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rc.url(path), rdr)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	reqid := uuid.New().String()
	req.Header.Set("X-Request-Id", reqid)
	log.WithFields(log.Fields{"op": op, "request_id": reqid}).Tracef("%s %s", method, req.URL)
	resp, err := rc.httpClient().Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%s: reading response: %w", op, err)
	}
	return resp.StatusCode, respBody, nil
}

// errorPayload returns the message of a {"error": "..."} body, if
// body has that form.
func errorPayload(body []byte) (string, bool) {
	var e struct {
		Error *string `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil || e.Error == nil {
		return "", false
	}
	return *e.Error, true
}

// CreateJob submits a merge job and returns its ID.
func (rc *RemoteClient) CreateJob(ctx context.Context, jr JobRequest) (string, error) {
	const op = "create job"
	body, err := json.Marshal(jr)
	if err != nil {
		return "", err
	}
	status, resp, err := rc.do(ctx, op, "POST", "/api/jobs", body)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", &RemoteRequestError{Op: op, Status: status, Body: string(resp)}
	}
	if msg, ok := errorPayload(resp); ok {
		return "", &RemoteRequestError{Op: op, Status: status, Body: msg}
	}
	var created struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(resp, &created); err != nil {
		return "", &RemoteRequestError{Op: op, Status: status, Body: fmt.Sprintf("cannot decode response: %s", err)}
	}
	if created.JobID == "" {
		return "", &RemoteRequestError{Op: op, Status: status, Body: "response missing job_id: " + string(resp)}
	}
	log.WithFields(log.Fields{"job_id": created.JobID, "variants": len(jr.Variants), "inputs": len(jr.Inputs)}).Info("created merge job")
	return created.JobID, nil
}

// WaitForSummary polls the job status until the service reports
// success (200) or failure (anything but 202), or the poll limits are
// reached. The first request is sent without waiting.
func (rc *RemoteClient) WaitForSummary(ctx context.Context, jobID string) (*JobSummary, error) {
	const op = "job summary"
	sleep := rc.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	parent := ctx
	if rc.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, rc.PollTimeout)
		defer cancel()
	}
	// pollExpired reports whether PollTimeout, and not the
	// caller's own deadline or cancellation, ended the wait.
	pollExpired := func() bool {
		return rc.PollTimeout > 0 && ctx.Err() == context.DeadlineExceeded && parent.Err() == nil
	}
	logger := log.WithField("job_id", jobID)
	for attempt := 1; ; attempt++ {
		rc.Metrics.pollAttempt()
		status, body, err := rc.do(ctx, op, "GET", "/api/jobs/"+jobID+"/summary", nil)
		if err != nil {
			if pollExpired() {
				return nil, ErrPollTimeout
			}
			return nil, err
		}
		switch status {
		case http.StatusOK:
			if msg, ok := errorPayload(body); ok {
				return nil, &RemoteRequestError{Op: op, Status: status, Body: msg}
			}
			summary := &JobSummary{}
			if err := json.Unmarshal(body, summary); err != nil {
				return nil, &RemoteRequestError{Op: op, Status: status, Body: fmt.Sprintf("cannot decode response: %s", err)}
			}
			summary.JobID = jobID
			logger.WithFields(log.Fields{"blocks": summary.BlockCount, "attempts": attempt}).Info("merge job done")
			return summary, nil
		case http.StatusAccepted:
		default:
			return nil, &RemoteJobFailedError{JobID: jobID, Status: status}
		}
		if rc.MaxPollAttempts > 0 && attempt >= rc.MaxPollAttempts {
			return nil, ErrPollTimeout
		}
		logger.Debugf("still processing after %d attempts", attempt)
		if err := sleep(ctx, rc.PollInterval); err != nil {
			if pollExpired() {
				return nil, ErrPollTimeout
			}
			return nil, err
		}
	}
}

// FetchBlocks downloads blocks 0..count-1 of a completed job,
// FetchConcurrency at a time. The result is ordered by block index.
func (rc *RemoteClient) FetchBlocks(ctx context.Context, jobID string, count int) (SummaryPass, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pass := make(SummaryPass, count)
	max := rc.FetchConcurrency
	if max < 1 {
		max = 1
	}
	thr := throttle{Max: max}
	for i := 0; i < count; i++ {
		if thr.Err() != nil {
			break
		}
		i := i
		thr.Go(func() error {
			block, err := rc.fetchBlock(ctx, jobID, i)
			if err != nil {
				thr.Report(err)
				cancel()
				return err
			}
			pass[i] = block
			return nil
		})
	}
	if err := thr.Wait(); err != nil {
		return nil, err
	}
	return pass, nil
}

func (rc *RemoteClient) fetchBlock(ctx context.Context, jobID string, i int) ([]byte, error) {
	op := fmt.Sprintf("fetch block %d", i)
	status, body, err := rc.do(ctx, op, "GET", fmt.Sprintf("/api/jobs/%s/blocks/%d", jobID, i), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &RemoteRequestError{Op: op, Status: status, Body: string(body)}
	}
	log.WithFields(log.Fields{"job_id": jobID, "block": i}).Debugf("fetched %d bytes", len(body))
	rc.Metrics.blockFetched()
	return body, nil
}
