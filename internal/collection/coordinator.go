// Package collection opens, reads back and deletes metrics collections on
// the target application's metrics API.
//
// A collection is a server-side window over which the application aggregates
// its metrics. Applications with timed metrics bound the window to the run
// duration and keep ("stash") the result until it expires on its own; older
// applications keep an open-ended window that must be deleted explicitly.
package collection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	lrhttp "github.com/wesleyorama2/loadrunner/internal/http"
	"github.com/wesleyorama2/loadrunner/internal/notify"
	"github.com/wesleyorama2/loadrunner/internal/run"
)

// MetricsFile is the artifact written by RecordCollection.
const MetricsFile = "metrics.json"

// Coordinator talks to the metrics API of the run's project.
type Coordinator struct {
	client  *lrhttp.Client
	emitter notify.Emitter
	now     func() time.Time

	deletes sync.WaitGroup
}

// NewCoordinator creates a coordinator. timeout bounds each HTTP call.
func NewCoordinator(emitter notify.Emitter, timeout time.Duration) *Coordinator {
	return &Coordinator{
		client:  lrhttp.NewClient(lrhttp.WithTimeout(timeout)),
		emitter: emitter,
		now:     time.Now,
	}
}

func runLogger(r *run.LoadRun) *log.Entry {
	return log.WithFields(log.Fields{"project": r.ProjectID(), "run": r.Timestamp})
}

// collectionsBase is the API root of the project's metrics service,
// with a trailing slash so that relative Location headers resolve under it.
func collectionsBase(appBaseURL, metricsRoot string) (*url.URL, error) {
	base, err := url.Parse(appBaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid application url %q", appBaseURL)
	}
	root := strings.Trim(metricsRoot, "/")
	prefix := strings.TrimRight(base.Path, "/")
	if root != "" {
		prefix += "/" + root
	}
	base.Path = prefix + "/api/v1/"
	return base, nil
}

// CreateCollection opens a collection for the run. With timed metrics the
// collection is bounded to seconds; otherwise it is open-ended and the UI is
// told the application uses old metrics. A nil result means no collection
// was created; the condition is logged and the run carries on without one.
func (c *Coordinator) CreateCollection(ctx context.Context, r *run.LoadRun, seconds int) *run.Collection {
	p := r.Project()
	if p == nil {
		return nil
	}
	logger := runLogger(r)

	base, err := collectionsBase(p.AppBaseURL, p.MetricsRoot)
	if err != nil {
		logger.WithError(err).Error("Cannot create metrics collection")
		return nil
	}

	timed := p.Capabilities.TimedMetrics
	endpoint := base.ResolveReference(&url.URL{Path: "collections"})
	if timed {
		endpoint.Path += "/" + strconv.Itoa(seconds)
	} else {
		c.emitter.Emit(notify.New(p.ID, notify.StatusOldMetrics))
	}

	resp, err := c.client.Do(ctx, lrhttp.NewRequest(http.MethodPost, endpoint.String()))
	if err != nil {
		logger.WithError(err).Error("Failed to create metrics collection")
		return nil
	}

	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusBadRequest:
		logger.Warn("Metrics collection not created: too many collections")
		return nil
	default:
		logger.Warnf("Metrics collection not created: unexpected status %d", resp.StatusCode)
		return nil
	}

	location := resp.GetHeader("Location")
	ref, err := url.Parse(location)
	if location == "" || err != nil {
		logger.Warnf("Metrics collection created with unusable location %q", location)
		return nil
	}

	collection := &run.Collection{
		URI:     base.ResolveReference(ref).String(),
		Timed:   timed,
		Created: c.now(),
	}
	logger.WithField("collection", collection.URI).Info("Metrics collection created")
	return collection
}

// RecordCollection reads the run's collection back and writes it, with the
// run description merged in as "desc", to metrics.json in the run's working
// directory. Open-ended collections are then deleted in the background.
func (c *Coordinator) RecordCollection(ctx context.Context, r *run.LoadRun) error {
	collection := r.Collection()
	if collection == nil {
		return nil
	}
	logger := runLogger(r).WithField("collection", collection.URI)

	uri := collection.URI
	if collection.Timed {
		uri = strings.TrimRight(uri, "/") + "/stashed"
	}

	err := c.record(ctx, r, uri)

	if !collection.Timed {
		c.deletes.Add(1)
		go func() {
			defer c.deletes.Done()
			if err := c.DeleteCollection(context.Background(), collection); err != nil {
				logger.WithError(err).Warn("Failed to delete metrics collection")
			}
		}()
	}

	return err
}

func (c *Coordinator) record(ctx context.Context, r *run.LoadRun, uri string) error {
	resp, err := c.client.Do(ctx, lrhttp.NewRequest(http.MethodGet, uri))
	if err != nil {
		return errors.Wrap(err, "failed to read metrics collection")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed to read metrics collection: status %d", resp.StatusCode)
	}

	var doc map[string]json.RawMessage
	if err := resp.GetBodyAsJSON(&doc); err != nil {
		return errors.Wrap(err, "metrics collection is not a JSON object")
	}
	if doc == nil {
		return errors.New("metrics collection is not a JSON object")
	}
	if r.Description != "" {
		desc, _ := json.Marshal(r.Description)
		doc["desc"] = desc
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode metrics")
	}
	path := filepath.Join(r.WorkDir, MetricsFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}

	runLogger(r).WithField("file", path).Info("Metrics collection recorded")
	return nil
}

// DeleteCollection removes a collection from the application.
func (c *Coordinator) DeleteCollection(ctx context.Context, collection *run.Collection) error {
	resp, err := c.client.Do(ctx, lrhttp.NewRequest(http.MethodDelete, collection.URI))
	if err != nil {
		return errors.Wrap(err, "failed to delete metrics collection")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("failed to delete metrics collection: status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until background deletes have finished.
func (c *Coordinator) Wait() {
	c.deletes.Wait()
}
