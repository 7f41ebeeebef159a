// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/finngen/mmpmerge/codec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gopkg.in/check.v1"
)

// fakeService is an in-memory merge service. It answers a job with
// the requested variants it knows about, split into blocks of the
// requested size.
type fakeService struct {
	Tag     string
	Rows    map[string][]string // canonical key -> pval, beta, sebeta, af
	Pending int                 // 202 responses before each summary
	Fail    map[string]int      // path -> forced status

	mtx      sync.Mutex
	requests []JobRequest
	polls    int
	jobs     map[string][][]string
}

var fakeJobPath = regexp.MustCompile(`^/api/jobs/([^/]+)/(summary|blocks/(\d+))$`)

func (fs *fakeService) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	if fs.jobs == nil {
		fs.jobs = map[string][][]string{}
	}
	if status, ok := fs.Fail[req.URL.Path]; ok {
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":"forced %d"}`, status)
		return
	}
	if req.Method == "POST" && req.URL.Path == "/api/jobs" {
		var jr JobRequest
		if err := json.NewDecoder(req.Body).Decode(&jr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fs.requests = append(fs.requests, jr)
		size := jr.BlockSize
		if size < 1 {
			size = DefaultPipelineConfig.BlockSize
		}
		var parts [][]string
		var part []string
		for _, key := range jr.Variants {
			if _, ok := fs.Rows[key]; !ok {
				continue
			}
			part = append(part, key)
			if len(part) == size {
				parts = append(parts, part)
				part = nil
			}
		}
		if len(part) > 0 {
			parts = append(parts, part)
		}
		id := fmt.Sprintf("job%d", len(fs.requests))
		fs.jobs[id] = parts
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"job_id": id})
		return
	}
	m := fakeJobPath.FindStringSubmatch(req.URL.Path)
	if req.Method != "GET" || m == nil {
		http.NotFound(w, req)
		return
	}
	parts, ok := fs.jobs[m[1]]
	if !ok {
		http.NotFound(w, req)
		return
	}
	if m[2] == "summary" {
		fs.polls++
		if fs.polls <= fs.Pending {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		fs.polls = 0
		if parts == nil {
			parts = [][]string{}
		}
		json.NewEncoder(w).Encode(JobSummary{
			BlockCount: len(parts),
			Variants:   parts,
			Headers:    codec.CreateHeader(fs.Tag),
		})
		return
	}
	i, _ := strconv.Atoi(m[3])
	if i >= len(parts) {
		http.NotFound(w, req)
		return
	}
	sr := &codec.SummaryRows{Header: codec.CreateHeader(fs.Tag)}
	for _, key := range parts[i] {
		sr.Keys = append(sr.Keys, key)
		sr.Values = append(sr.Values, fs.Rows[key])
	}
	block, err := codec.MarshalBlock(sr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(block)
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

type remoteSuite struct {
	fs  *fakeService
	srv *httptest.Server
	rc  *RemoteClient
}

var _ = check.Suite(&remoteSuite{})

func (s *remoteSuite) SetUpTest(c *check.C) {
	s.fs = &fakeService{
		Tag: "finngen",
		Rows: map[string][]string{
			"1\t100\tA\tG": {"1.000000e-08", "0.100000", "0.010000", "0.200000"},
			"1\t200\tC\tT": {"2.000000e-08", "0.200000", "0.020000", "0.300000"},
			"3\t300\tG\tA": {"3.000000e-08", "0.300000", "0.030000", "0.400000"},
		},
	}
	s.srv = httptest.NewServer(s.fs)
	s.rc = &RemoteClient{
		BaseURL:          s.srv.URL + "/",
		PollInterval:     time.Second,
		FetchConcurrency: 2,
		Sleep:            noSleep,
	}
}

func (s *remoteSuite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *remoteSuite) TestRoundTrip(c *check.C) {
	s.fs.Pending = 3
	ctx := context.Background()
	id, err := s.rc.CreateJob(ctx, JobRequest{
		Variants:  []string{"3\t300\tG\tA", "1\t100\tA\tG", "9\t9\tA\tC", "1\t200\tC\tT"},
		BlockSize: 2,
	})
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, "job1")

	summary, err := s.rc.WaitForSummary(ctx, id)
	c.Assert(err, check.IsNil)
	c.Check(summary.JobID, check.Equals, "job1")
	c.Check(summary.BlockCount, check.Equals, 2)
	c.Check(summary.Variants, check.DeepEquals, [][]string{{"3\t300\tG\tA", "1\t100\tA\tG"}, {"1\t200\tC\tT"}})
	c.Check(s.fs.polls, check.Equals, 0)

	pass, err := s.rc.FetchBlocks(ctx, id, summary.BlockCount)
	c.Assert(err, check.IsNil)
	c.Assert(pass, check.HasLen, 2)
	for i, block := range pass {
		sr, err := codec.UnmarshalBlock(block)
		c.Assert(err, check.IsNil)
		c.Check(sr.Keys, check.DeepEquals, summary.Variants[i])
		c.Check(sr.Header, check.DeepEquals, codec.CreateHeader("finngen"))
	}
}

func (s *remoteSuite) TestCreateJobErrors(c *check.C) {
	ctx := context.Background()
	s.fs.Fail = map[string]int{"/api/jobs": http.StatusBadRequest}
	_, err := s.rc.CreateJob(ctx, JobRequest{})
	var rre *RemoteRequestError
	c.Assert(errors.As(err, &rre), check.Equals, true)
	c.Check(rre.Status, check.Equals, http.StatusBadRequest)
	c.Check(rre.Op, check.Equals, "create job")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	rc := &RemoteClient{BaseURL: srv.URL}
	_, err = rc.CreateJob(ctx, JobRequest{})
	c.Check(err, check.ErrorMatches, `create job: HTTP 200: "response missing job_id: .*"`)

	srv.Close()
	_, err = rc.CreateJob(ctx, JobRequest{})
	c.Check(err, check.ErrorMatches, `create job: .*`)
}

func (s *remoteSuite) TestJobFailed(c *check.C) {
	ctx := context.Background()
	id, err := s.rc.CreateJob(ctx, JobRequest{})
	c.Assert(err, check.IsNil)
	s.fs.Fail = map[string]int{"/api/jobs/" + id + "/summary": http.StatusInternalServerError}
	_, err = s.rc.WaitForSummary(ctx, id)
	var jfe *RemoteJobFailedError
	c.Assert(errors.As(err, &jfe), check.Equals, true)
	c.Check(jfe.JobID, check.Equals, id)
	c.Check(jfe.Status, check.Equals, http.StatusInternalServerError)
}

func (s *remoteSuite) TestMaxPollAttempts(c *check.C) {
	s.fs.Pending = 100
	var slept []time.Duration
	s.rc.MaxPollAttempts = 4
	s.rc.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	ctx := context.Background()
	id, err := s.rc.CreateJob(ctx, JobRequest{})
	c.Assert(err, check.IsNil)
	_, err = s.rc.WaitForSummary(ctx, id)
	c.Check(err, check.Equals, ErrPollTimeout)
	c.Check(s.fs.polls, check.Equals, 4)
	c.Check(slept, check.DeepEquals, []time.Duration{time.Second, time.Second, time.Second})
}

func (s *remoteSuite) TestPollTimeout(c *check.C) {
	s.fs.Pending = 1000
	s.rc.Sleep = nil
	s.rc.PollInterval = time.Millisecond
	s.rc.PollTimeout = 50 * time.Millisecond
	ctx := context.Background()
	id, err := s.rc.CreateJob(ctx, JobRequest{})
	c.Assert(err, check.IsNil)
	_, err = s.rc.WaitForSummary(ctx, id)
	c.Check(err, check.Equals, ErrPollTimeout)
}

func (s *remoteSuite) TestCallerDeadlineBeforePollTimeout(c *check.C) {
	s.fs.Pending = 1000
	s.rc.PollTimeout = time.Hour
	s.rc.Sleep = func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	id, err := s.rc.CreateJob(context.Background(), JobRequest{})
	c.Assert(err, check.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.rc.WaitForSummary(ctx, id)
	c.Check(err, check.Equals, context.DeadlineExceeded)

	// Without a caller deadline the same wait ends with the poll
	// limit.
	s.rc.PollTimeout = 20 * time.Millisecond
	_, err = s.rc.WaitForSummary(context.Background(), id)
	c.Check(err, check.Equals, ErrPollTimeout)
}

func (s *remoteSuite) TestPollCancel(c *check.C) {
	s.fs.Pending = 1000
	ctx, cancel := context.WithCancel(context.Background())
	id, err := s.rc.CreateJob(ctx, JobRequest{})
	c.Assert(err, check.IsNil)
	s.rc.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, err = s.rc.WaitForSummary(ctx, id)
	c.Check(err, check.Equals, context.Canceled)
}

func (s *remoteSuite) TestFetchBlockMissing(c *check.C) {
	ctx := context.Background()
	id, err := s.rc.CreateJob(ctx, JobRequest{Variants: []string{"1\t100\tA\tG"}})
	c.Assert(err, check.IsNil)
	_, err = s.rc.FetchBlocks(ctx, id, 3)
	var rre *RemoteRequestError
	c.Assert(errors.As(err, &rre), check.Equals, true)
	c.Check(rre.Status, check.Equals, http.StatusNotFound)
	c.Check(rre.Op, check.Matches, `fetch block [12]`)

	pass, err := s.rc.FetchBlocks(ctx, id, 0)
	c.Check(err, check.IsNil)
	c.Check(pass, check.HasLen, 0)
}

func (s *remoteSuite) TestMetrics(c *check.C) {
	s.rc.Metrics = NewMetrics(prometheus.NewRegistry())
	s.fs.Pending = 2
	ctx := context.Background()
	id, err := s.rc.CreateJob(ctx, JobRequest{Variants: []string{"1\t100\tA\tG", "1\t200\tC\tT"}, BlockSize: 1})
	c.Assert(err, check.IsNil)
	summary, err := s.rc.WaitForSummary(ctx, id)
	c.Assert(err, check.IsNil)
	_, err = s.rc.FetchBlocks(ctx, id, summary.BlockCount)
	c.Assert(err, check.IsNil)
	c.Check(testutil.ToFloat64(s.rc.Metrics.PollAttempts), check.Equals, 3.0)
	c.Check(testutil.ToFloat64(s.rc.Metrics.BlocksFetched), check.Equals, 2.0)
}
