// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/net/websocket"
	"gopkg.in/check.v1"
)

const (
	testCRUUID  = "zzzzz-xvhdp-000000000000001"
	testCtrUUID = "zzzzz-dz642-000000000000001"
)

type arvadosSuite struct{}

var _ = check.Suite(&arvadosSuite{})

func testArvadosClient(srv *httptest.Server) *arvados.Client {
	return &arvados.Client{
		APIHost:   strings.TrimPrefix(srv.URL, "http://"),
		Scheme:    "http",
		AuthToken: "testtoken",
	}
}

func (s *arvadosSuite) TestLogTail(c *check.C) {
	var mtx sync.Mutex
	var status int
	var body string
	var ranges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mtx.Lock()
		defer mtx.Unlock()
		c.Check(req.URL.Path, check.Equals, "/arvados/v1/container_requests/"+testCRUUID+"/log/"+testCtrUUID+"/stderr.txt")
		ranges = append(ranges, req.Header.Get("Range"))
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	defer srv.Close()

	logger, hook := logtest.NewNullLogger()
	lt := &logTail{client: testArvadosClient(srv), logger: logger}
	follow := func(st int, b string) []string {
		mtx.Lock()
		status, body = st, b
		mtx.Unlock()
		hook.Reset()
		lt.follow(context.Background(), testCRUUID, testCtrUUID)
		var msgs []string
		for _, e := range hook.AllEntries() {
			msgs = append(msgs, e.Level.String()+" "+e.Message)
		}
		return msgs
	}

	c.Check(follow(http.StatusNotFound, "not yet"), check.HasLen, 0)
	c.Check(follow(http.StatusPartialContent, "first\nsecond\npart"), check.DeepEquals, []string{"info first", "info second"})
	c.Check(lt.offset, check.Equals, int64(13))
	c.Check(follow(http.StatusRequestedRangeNotSatisfiable, ""), check.HasLen, 0)
	c.Check(follow(http.StatusOK, "first\nsecond\npartial\n"), check.DeepEquals, []string{"info partial"})
	c.Check(lt.offset, check.Equals, int64(21))
	c.Check(follow(http.StatusInternalServerError, "oops"), check.DeepEquals, []string{"warning error getting container log: 500 Internal Server Error"})
	c.Check(follow(http.StatusNotFound, ""), check.DeepEquals, []string{"warning error getting container log: 404 Not Found"})
	c.Check(lt.offset, check.Equals, int64(21))
	c.Check(ranges, check.DeepEquals, []string{"bytes=0-", "bytes=0-", "bytes=13-", "bytes=13-", "bytes=21-", "bytes=21-"})
}

// fakeArvados serves the container request API and the websocket
// event stream for one container request.
type fakeArvados struct {
	srv     *httptest.Server
	mtx     sync.Mutex
	final   bool
	events  bool // advertise the websocket service
	stderr  string
	logReqs int
}

func newFakeArvados(events bool, stderr string) *fakeArvados {
	fa := &fakeArvados{events: events, stderr: stderr}
	mux := http.NewServeMux()
	mux.HandleFunc("/arvados/v1/config", func(w http.ResponseWriter, req *http.Request) {
		services := map[string]interface{}{
			"Controller": map[string]string{"ExternalURL": fa.srv.URL},
		}
		if fa.events {
			services["Websocket"] = map[string]string{"ExternalURL": fa.srv.URL + "/websocket"}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"Services": services})
	})
	mux.HandleFunc("/arvados/v1/container_requests", fa.serveCR)
	mux.HandleFunc("/arvados/v1/container_requests/"+testCRUUID, fa.serveCR)
	mux.HandleFunc("/arvados/v1/container_requests/"+testCRUUID+"/log/"+testCtrUUID+"/stderr.txt", func(w http.ResponseWriter, req *http.Request) {
		fa.mtx.Lock()
		defer fa.mtx.Unlock()
		fa.logReqs++
		if req.Header.Get("Range") != "bytes=0-" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		// The log is complete once it is readable.
		fa.final = true
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, fa.stderr)
	})
	mux.HandleFunc("/arvados/v1/containers/"+testCtrUUID, func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"uuid": testCtrUUID, "state": "Complete", "exit_code": 0})
	})
	mux.Handle("/websocket", websocket.Handler(fa.serveEvents))
	fa.srv = httptest.NewServer(mux)
	return fa
}

func (fa *fakeArvados) logRequests() int {
	fa.mtx.Lock()
	defer fa.mtx.Unlock()
	return fa.logReqs
}

func (fa *fakeArvados) serveCR(w http.ResponseWriter, req *http.Request) {
	fa.mtx.Lock()
	defer fa.mtx.Unlock()
	cr := map[string]interface{}{
		"uuid":           testCRUUID,
		"state":          "Committed",
		"container_uuid": testCtrUUID,
	}
	if fa.final {
		cr["state"] = "Final"
		cr["output_uuid"] = "zzzzz-4zz18-000000000000001"
	}
	json.NewEncoder(w).Encode(cr)
}

// serveEvents waits for subscriptions to both the container request
// and its container, then sends the container's stderr followed by
// the update that finalizes the request.
func (fa *fakeArvados) serveEvents(ws *websocket.Conn) {
	if ws.Request().URL.Query().Get("api_token") != "testtoken" {
		return
	}
	dec := json.NewDecoder(ws)
	subscribed := map[string]bool{}
	for !subscribed[testCRUUID] || !subscribed[testCtrUUID] {
		var sub struct {
			Method  string
			Filters [][]interface{}
		}
		if dec.Decode(&sub) != nil {
			return
		}
		if sub.Method == "subscribe" && len(sub.Filters) > 0 && len(sub.Filters[0]) == 3 {
			uuid, _ := sub.Filters[0][2].(string)
			subscribed[uuid] = true
		}
	}
	enc := json.NewEncoder(ws)
	enc.Encode(map[string]interface{}{
		"object_uuid": testCtrUUID,
		"event_type":  "stderr",
		"properties":  map[string]string{"text": fa.stderr},
	})
	fa.mtx.Lock()
	fa.final = true
	fa.mtx.Unlock()
	enc.Encode(map[string]interface{}{"object_uuid": testCRUUID, "event_type": "update"})
	for dec.Decode(&json.RawMessage{}) == nil {
	}
}

func (s *arvadosSuite) runFake(c *check.C, fa *fakeArvados, poll time.Duration) []string {
	hook := logtest.NewGlobal()
	defer log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
	runner := &arvadosContainerRunner{
		Client:       testArvadosClient(fa.srv),
		Name:         "test",
		ProjectUUID:  "zzzzz-j7d0g-000000000000001",
		Prog:         "/bin/true",
		PollInterval: poll,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	out, err := runner.Run(ctx)
	c.Assert(err, check.IsNil)
	c.Check(out, check.Equals, "zzzzz-4zz18-000000000000001")
	var msgs []string
	for _, e := range hook.AllEntries() {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

func (s *arvadosSuite) TestRunFollowsEvents(c *check.C) {
	fa := newFakeArvados(true, "hello from the container\nsecond line\n")
	defer fa.srv.Close()
	// Polling would not finish within the test timeout.
	msgs := s.runFake(c, fa, time.Hour)
	c.Check(strings.Join(msgs, "\n"), check.Matches, `(?s).*\nhello from the container\nsecond line\n.*`)
	c.Check(fa.logRequests(), check.Equals, 0)
}

func (s *arvadosSuite) TestRunPollsWithoutEvents(c *check.C) {
	fa := newFakeArvados(false, "polled line\n")
	defer fa.srv.Close()
	msgs := s.runFake(c, fa, 10*time.Millisecond)
	c.Check(strings.Join(msgs, "\n"), check.Matches, `(?s).*\npolled line\n.*`)
	c.Check(fa.logRequests() > 0, check.Equals, true)
}
