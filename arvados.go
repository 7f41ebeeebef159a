// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/websocket"
)

// arvadosContainerRunner runs a mmpmerge subcommand in an Arvados
// container, with input collections mounted under /mnt and output
// written to /mnt/output.
type arvadosContainerRunner struct {
	Client      *arvados.Client
	Name        string
	OutputName  string
	ProjectUUID string
	APIAccess   bool
	VCPUs       int
	RAM         int64
	Prog        string // if empty, upload and run this executable
	Args        []string
	Mounts      map[string]map[string]interface{}
	Priority    int
	Preemptible bool

	// Interval between container request status checks.
	PollInterval time.Duration
}

// Run submits the container request and waits for it to finish. It
// returns the UUID of the output collection.
func (runner *arvadosContainerRunner) Run(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: ProjectUUID not provided")
	}
	mounts := map[string]map[string]interface{}{
		"/mnt/output": {"kind": "collection", "writable": true},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}
	prog := runner.Prog
	if prog == "" {
		cmdUUID, err := runner.uploadExecutable()
		if err != nil {
			return "", err
		}
		mounts["/mnt/cmd"] = map[string]interface{}{"kind": "collection", "uuid": cmdUUID}
		prog = "/mnt/cmd/mmpmerge"
	}
	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	var outputName interface{}
	if runner.OutputName != "" {
		outputName = runner.OutputName
	}
	var cr arvados.ContainerRequest
	err := runner.Client.RequestAndDecodeContext(ctx, &cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":      runner.ProjectUUID,
			"name":            runner.Name,
			"container_image": "mmpmerge-runtime",
			"command":         append([]string{prog}, runner.Args...),
			"mounts":          mounts,
			"use_existing":    true,
			"output_path":     "/mnt/output",
			"output_name":     outputName,
			"runtime_constraints": arvados.RuntimeConstraints{
				API:   runner.APIAccess,
				VCPUs: runner.VCPUs,
				RAM:   runner.RAM,
			},
			"priority": priority,
			"state":    arvados.ContainerRequestStateCommitted,
			"scheduling_parameters": arvados.SchedulingParameters{
				Preemptible: runner.Preemptible,
				Partitions:  []string{},
			},
			"environment":         map[string]string{"GOMAXPROCS": fmt.Sprintf("%d", runner.VCPUs)},
			"container_count_max": 1,
		},
	})
	if err != nil {
		return "", err
	}
	logger := log.WithField("container_request", cr.UUID)
	logger.Info("submitted container request")

	interval := runner.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	events := &eventStream{Client: runner.Client}
	defer events.Close()
	evch := make(chan eventMessage)
	events.Subscribe(evch, cr.UUID)
	defer events.Unsubscribe(evch, cr.UUID)
	subscribed := ""
	defer func() {
		if subscribed != "" {
			events.Unsubscribe(evch, subscribed)
		}
	}()
	follow := func() {
		if cr.ContainerUUID != subscribed {
			if subscribed != "" {
				events.Unsubscribe(evch, subscribed)
			}
			logger.WithField("container", cr.ContainerUUID).Debug("subscribing to container events")
			events.Subscribe(evch, cr.ContainerUUID)
			subscribed = cr.ContainerUUID
		}
	}
	tail := logTail{client: runner.Client}
	state := cr.State
	refresh := func() {
		err := runner.Client.RequestAndDecodeContext(ctx, &cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		if err != nil {
			logger.WithError(err).Warn("error getting container request")
			return
		}
		if cr.State != state {
			logger.Infof("state %s", cr.State)
			state = cr.State
		}
		if cr.ContainerUUID != "" {
			follow()
		}
	}
	if cr.ContainerUUID != "" {
		follow()
	}
	// Container stderr comes from the event stream once it
	// delivers any. Until then the log file is polled.
	streaming := false
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(&cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{"priority": 0},
			})
			if err != nil {
				logger.WithError(err).Error("cancelling container request")
			}
			return "", ctx.Err()
		case <-ticker.C:
			refresh()
			if !streaming && cr.ContainerUUID != "" {
				tail.follow(ctx, cr.UUID, cr.ContainerUUID)
			}
		case msg := <-evch:
			switch msg.EventType {
			case "update":
				refresh()
			case "stderr":
				if msg.ObjectUUID == cr.ContainerUUID {
					streaming = true
					for _, line := range strings.Split(strings.TrimRight(msg.Properties.Text, "\n"), "\n") {
						if line != "" {
							log.Print(line)
						}
					}
				}
			}
		}
	}

	var ctr arvados.Container
	err = runner.Client.RequestAndDecodeContext(ctx, &ctr, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	} else if ctr.State != arvados.ContainerStateComplete {
		return "", fmt.Errorf("container did not complete: %s", ctr.State)
	} else if ctr.ExitCode != 0 {
		return "", fmt.Errorf("container exited %d", ctr.ExitCode)
	}
	return cr.OutputUUID, nil
}

// apiURL returns the URL of an API path on client's cluster.
func apiURL(client *arvados.Client, path string) string {
	scheme := client.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + client.APIHost + "/" + path
}

// logTail copies new lines of a container's stderr log to the local
// logger.
type logTail struct {
	client    *arvados.Client
	logger    log.FieldLogger // standard logger if nil
	container string
	offset    int64
}

// follow fetches the part of the log written since the last call. A
// log that does not exist yet, or has no new data, is not an error.
func (lt *logTail) follow(ctx context.Context, crUUID, ctrUUID string) {
	logger := lt.logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	if lt.container != ctrUUID {
		lt.container, lt.offset = ctrUUID, 0
	}
	req, err := http.NewRequestWithContext(ctx, "GET", apiURL(lt.client, "arvados/v1/container_requests/"+crUUID+"/log/"+ctrUUID+"/stderr.txt"), nil)
	if err != nil {
		logger.WithError(err).Error("error preparing log request")
		return
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", lt.offset))
	resp, err := lt.client.Do(req)
	if err != nil {
		logger.WithError(err).Warn("error getting container log")
		return
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound && lt.offset == 0,
		resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && lt.offset > 0:
		return
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent:
		logger.Warnf("error getting container log: %s", resp.Status)
		return
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.WithError(err).Warn("error reading container log")
		return
	}
	if resp.StatusCode == http.StatusOK && lt.offset > 0 {
		// Range ignored: skip what was already printed.
		if int64(len(data)) < lt.offset {
			return
		}
		data = data[lt.offset:]
	}
	for {
		eol := bytes.IndexByte(data, '\n')
		if eol < 0 {
			break
		}
		if eol > 0 {
			logger.Print(string(data[:eol]))
		}
		lt.offset += int64(eol + 1)
		data = data[eol+1:]
	}
}

// eventMessage is an event from the Arvados websocket service.
type eventMessage struct {
	Status     int
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
	Properties struct {
		Text string
	}
}

var subscribeEventTypes = []string{"stderr", "update"}

// eventStream delivers websocket events about subscribed objects. It
// connects on the first Subscribe call and reconnects (resubscribing
// everything) after errors until Close is called.
type eventStream struct {
	*arvados.Client

	// Delay between connection attempts. Default 5s.
	RetryDelay time.Duration

	notifying map[string]map[chan<- eventMessage]int
	wantClose chan struct{}
	wsconn    *websocket.Conn
	mtx       sync.Mutex
	wmtx      sync.Mutex
}

// Subscribe sends events about uuid to ch. Subscribing the same
// {ch, uuid} pair twice delivers each event once, and needs two
// Unsubscribe calls.
func (es *eventStream) Subscribe(ch chan<- eventMessage, uuid string) {
	es.mtx.Lock()
	defer es.mtx.Unlock()
	if es.notifying == nil {
		es.notifying = map[string]map[chan<- eventMessage]int{}
		es.wantClose = make(chan struct{})
		go es.runNotifier()
	}
	chmap := es.notifying[uuid]
	if chmap == nil {
		chmap = map[chan<- eventMessage]int{}
		es.notifying[uuid] = chmap
	}
	chmap[ch]++
	if len(chmap) == 1 && chmap[ch] == 1 && es.wsconn != nil {
		go es.send(es.wsconn, "subscribe", uuid)
	}
}

func (es *eventStream) Unsubscribe(ch chan<- eventMessage, uuid string) {
	es.mtx.Lock()
	defer es.mtx.Unlock()
	chmap := es.notifying[uuid]
	if n := chmap[ch] - 1; n == 0 {
		delete(chmap, ch)
		if len(chmap) == 0 {
			delete(es.notifying, uuid)
			if es.wsconn != nil {
				go es.send(es.wsconn, "unsubscribe", uuid)
			}
		}
	} else if n > 0 {
		chmap[ch] = n
	}
}

// Close disconnects and stops delivering events.
func (es *eventStream) Close() {
	es.mtx.Lock()
	defer es.mtx.Unlock()
	if es.notifying != nil {
		es.notifying = nil
		close(es.wantClose)
		if es.wsconn != nil {
			es.wsconn.Close()
		}
	}
}

func (es *eventStream) send(conn *websocket.Conn, method, uuid string) {
	es.wmtx.Lock()
	defer es.wmtx.Unlock()
	err := json.NewEncoder(conn).Encode(map[string]interface{}{
		"method": method,
		"filters": [][]interface{}{
			{"object_uuid", "=", uuid},
			{"event_type", "in", subscribeEventTypes},
		},
	})
	if err != nil {
		log.WithError(err).WithField("uuid", uuid).Debugf("websocket %s failed", method)
	}
}

// dial connects to the websocket service advertised in the cluster
// config.
func (es *eventStream) dial() (*websocket.Conn, error) {
	var cluster arvados.Cluster
	err := es.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error getting cluster config: %w", err)
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	if wsURL.Host == "" {
		return nil, errors.New("cluster config has no websocket service")
	}
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	wsURL.RawQuery = url.Values{"api_token": []string{es.AuthToken}}.Encode()
	origin := cluster.Services.Controller.ExternalURL.String()
	if cluster.Services.Controller.ExternalURL.Host == "" {
		origin = apiURL(es.Client, "")
	}
	cfg, err := websocket.NewConfig(wsURL.String(), origin)
	if err != nil {
		return nil, err
	}
	if es.Insecure {
		cfg.TlsConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("websocket connection error: %w", err)
	}
	log.Debugf("connected to websocket at %s://%s%s", wsURL.Scheme, wsURL.Host, wsURL.Path)
	return conn, nil
}

func (es *eventStream) runNotifier() {
	delay := es.RetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for {
		conn, err := es.dial()
		if err != nil {
			log.WithError(err).Debug("event stream unavailable, polling")
			select {
			case <-es.wantClose:
				return
			case <-time.After(delay):
				continue
			}
		}

		es.mtx.Lock()
		select {
		case <-es.wantClose:
			es.mtx.Unlock()
			conn.Close()
			return
		default:
		}
		es.wsconn = conn
		resubscribe := make([]string, 0, len(es.notifying))
		for uuid := range es.notifying {
			resubscribe = append(resubscribe, uuid)
		}
		es.mtx.Unlock()
		go func() {
			for _, uuid := range resubscribe {
				es.send(conn, "subscribe", uuid)
			}
		}()

		dec := json.NewDecoder(conn)
		for {
			var msg eventMessage
			err := dec.Decode(&msg)
			select {
			case <-es.wantClose:
				return
			default:
			}
			if err != nil {
				log.WithError(err).Debug("error decoding websocket message")
				es.mtx.Lock()
				es.wsconn = nil
				es.mtx.Unlock()
				conn.Close()
				break
			}
			es.mtx.Lock()
			var chs []chan<- eventMessage
			for ch := range es.notifying[msg.ObjectUUID] {
				chs = append(chs, ch)
			}
			es.mtx.Unlock()
			// Deliver in order, so an update that finalizes a
			// container request cannot overtake its stderr.
			for _, ch := range chs {
				select {
				case ch <- msg:
				case <-es.wantClose:
					return
				}
			}
		}
		select {
		case <-es.wantClose:
			return
		case <-time.After(delay):
		}
	}
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

// TranslatePaths rewrites each path inside a Keep collection to the
// corresponding path under /mnt in the container, and adds the
// collection to Mounts.
func (runner *arvadosContainerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = map[string]map[string]interface{}{}
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		id, mnt := m[2], "/mnt/"+m[2]
		if _, ok := runner.Mounts[mnt]; !ok {
			if len(id) == 27 {
				runner.Mounts[mnt] = map[string]interface{}{"kind": "collection", "uuid": id}
			} else {
				runner.Mounts[mnt] = map[string]interface{}{"kind": "collection", "portable_data_hash": id}
			}
		}
		*path = mnt + m[3]
	}
	return nil
}

var uploadMtx sync.Mutex

// uploadExecutable stores the running executable in a collection in
// the project, reusing an existing collection with the same version
// and content hash.
func (runner *arvadosContainerRunner) uploadExecutable() (string, error) {
	uploadMtx.Lock()
	defer uploadMtx.Unlock()
	exe, err := os.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	hash := fmt.Sprintf("%x", blake2b.Sum256(exe))
	name := "mmpmerge " + cmd.Version.String()
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: name},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: hash},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		log.Printf("using executable in existing collection %s", existing.Items[0].UUID)
		return existing.Items[0].UUID, nil
	}
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, keepclient.New(ac))
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("mmpmerge", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	if _, err = f.Write(exe); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	manifest, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": manifest,
			"name":          name,
			"properties":    map[string]interface{}{"blake2b": hash},
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("stored executable in new collection %s", coll.UUID)
	return coll.UUID, nil
}

var (
	siteFS    arvados.CustomFileSystem
	siteFSMtx sync.Mutex
)

// open opens a local file, or a file in a Keep collection if
// ARVADOS_API_HOST is set and fnm contains a collection UUID or
// portable data hash.
func open(fnm string) (io.ReadCloser, error) {
	if fnm == "-" {
		return nil, errors.New("cannot open stdin by name")
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if os.Getenv("ARVADOS_API_HOST") == "" || m == nil {
		return os.Open(fnm)
	}
	siteFSMtx.Lock()
	if siteFS == nil {
		client := arvados.NewClientFromEnv()
		ac, err := arvadosclient.New(client)
		if err != nil {
			siteFSMtx.Unlock()
			return nil, err
		}
		kc := keepclient.New(ac)
		kc.HTTPClient = arvados.DefaultSecureClient
		kc.BlockCache = &keepclient.BlockCache{MaxBlocks: 8}
		siteFS = client.SiteFileSystem(kc)
	}
	fs := siteFS
	siteFSMtx.Unlock()
	log.Infof("reading %q from %s using Arvados client", m[3], m[2])
	return fs.Open("by_id/" + m[2] + m[3])
}
