package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/metric"
)

// Bus is the messaging surface the service answers requests on.
// *natsclient.Client satisfies it.
type Bus interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error)
	Publish(ctx context.Context, subject string, data []byte) error
}

// Request is a call to the bucket API
type Request struct {
	Action string      `json:"action"` // put, get, info, delete, list, update_meta, status
	Key    string      `json:"key,omitempty"`
	Data   []byte      `json:"data,omitempty"`
	Meta   *ObjectMeta `json:"meta,omitempty"`
}

// Response answers a Request
type Response struct {
	Success    bool          `json:"success"`
	Key        string        `json:"key,omitempty"`
	Data       []byte        `json:"data,omitempty"`
	Info       *ObjectInfo   `json:"info,omitempty"`
	Infos      []*ObjectInfo `json:"infos,omitempty"`
	Status     *BucketStatus `json:"status,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorClass string        `json:"error_class,omitempty"`
}

// Event is published for every metadata change of the bucket
type Event struct {
	Type      string    `json:"type"` // updated, deleted
	Key       string    `json:"key"`
	Revision  uint64    `json:"revision"`
	Size      uint64    `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// ServiceStats is a snapshot of the service counters
type ServiceStats struct {
	Started      bool
	Requests     uint64
	Failures     uint64
	Events       uint64
	LastActivity time.Time
}

// Service exposes one bucket over request/reply and publishes its change events
type Service struct {
	store  *Store
	bus    Bus
	logger *slog.Logger

	apiSubject    string
	eventsSubject string
	timeout       time.Duration
	core          *metric.Metrics

	mu      sync.Mutex
	started bool
	apiSub  *nats.Subscription
	watcher *Watcher
	wg      sync.WaitGroup

	requests     atomic.Uint64
	failures     atomic.Uint64
	events       atomic.Uint64
	lastActivity atomic.Value // time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceLogger sets the logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAPISubject overrides the request subject, objstore.<bucket>.api by default
func WithAPISubject(subject string) ServiceOption {
	return func(s *Service) { s.apiSubject = subject }
}

// WithEventsSubject overrides the events subject, objstore.<bucket>.events by default.
// An empty subject disables events.
func WithEventsSubject(subject string) ServiceOption {
	return func(s *Service) { s.eventsSubject = subject }
}

// WithRequestTimeout bounds the handling of one request
func WithRequestTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithServiceMetrics records per-request counters in the registry's core metrics
func WithServiceMetrics(registry *metric.MetricsRegistry) ServiceOption {
	return func(s *Service) {
		if registry != nil {
			s.core = registry.CoreMetrics()
		}
	}
}

// NewService creates a service for store on bus
func NewService(store *Store, bus Bus, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		bus:           bus,
		logger:        slog.Default(),
		apiSubject:    fmt.Sprintf("objstore.%s.api", store.Name()),
		eventsSubject: fmt.Sprintf("objstore.%s.events", store.Name()),
		timeout:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "objstore-service", "bucket", store.Name())
	return s
}

// Start subscribes to the API subject and starts the event publisher
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.logger.Debug("Service already started")
		return nil
	}

	if s.eventsSubject != "" {
		w, err := s.store.Watch(context.WithoutCancel(ctx))
		if err != nil {
			return errors.WrapClassified(err, "Service", "Start", "watch bucket")
		}
		s.watcher = w
		s.wg.Add(1)
		go s.publishEvents(w)
	}

	sub, err := s.bus.Subscribe(ctx, s.apiSubject, s.handleMsg)
	if err != nil {
		if s.watcher != nil {
			_ = s.watcher.Stop()
			s.wg.Wait()
			s.watcher = nil
		}
		return errors.WrapTransient(err, "Service", "Start", "subscribe to "+s.apiSubject)
	}
	s.apiSub = sub

	s.started = true
	s.lastActivity.Store(time.Now())
	s.logger.Info("Service started", "api", s.apiSubject, "events", s.eventsSubject)
	return nil
}

// Stop unsubscribes and waits up to timeout for the event publisher to finish
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}

	var errs []error
	if s.apiSub != nil {
		if err := s.apiSub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe from API: %w", err))
		}
		s.apiSub = nil
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
		s.watcher = nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, fmt.Errorf("event publisher did not stop within %s", timeout))
	}

	s.started = false
	s.logger.Info("Service stopped")
	return errors.Join(errs...)
}

// Stats returns the service counters
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	var last time.Time
	if v := s.lastActivity.Load(); v != nil {
		last = v.(time.Time)
	}
	return ServiceStats{
		Started:      started,
		Requests:     s.requests.Load(),
		Failures:     s.failures.Load(),
		Events:       s.events.Load(),
		LastActivity: last,
	}
}

func (s *Service) handleMsg(ctx context.Context, msg *nats.Msg) {
	var resp Response
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp = errorResponse(errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidData, err), "Service", "handleMsg", "decode request"))
	} else {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		resp = s.Handle(ctx, req)
		cancel()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal response", "error", err, "subject", msg.Subject)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send response", "error", err, "subject", msg.Subject)
	}
}

// Handle executes one request against the store
func (s *Service) Handle(ctx context.Context, req Request) Response {
	start := time.Now()
	s.requests.Add(1)
	s.lastActivity.Store(start)

	resp, err := s.dispatch(ctx, req)
	if err != nil {
		s.failures.Add(1)
		s.logger.Debug("Request failed", "action", req.Action, "key", req.Key, "error", err)
		resp = errorResponse(err)
		resp.Key = req.Key
	}
	s.core.RecordAPIRequest(s.store.Name(), req.Action, err == nil, time.Since(start))
	return resp
}

func (s *Service) dispatch(ctx context.Context, req Request) (Response, error) {
	switch req.Action {
	case "put":
		meta := ObjectMeta{Name: req.Key}
		if req.Meta != nil {
			meta = *req.Meta
			if meta.Name == "" {
				meta.Name = req.Key
			}
		}
		info, err := s.store.Put(ctx, meta, bytes.NewReader(req.Data))
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Key: info.Name, Info: info}, nil

	case "get":
		var buf bytes.Buffer
		info, err := s.store.Get(ctx, req.Key, &buf)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Key: req.Key, Data: buf.Bytes(), Info: info}, nil

	case "info":
		info, err := s.store.GetInfo(ctx, req.Key)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Key: req.Key, Info: info}, nil

	case "delete":
		if err := s.store.Delete(ctx, req.Key); err != nil {
			return Response{}, err
		}
		return Response{Success: true, Key: req.Key}, nil

	case "list":
		infos, err := s.store.List(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Infos: infos}, nil

	case "update_meta":
		if req.Meta == nil {
			return Response{}, errors.WrapInvalid(
				fmt.Errorf("%w: meta required", errors.ErrBadObjectMeta), "Service", "dispatch", "update_meta")
		}
		info, err := s.store.UpdateMeta(ctx, req.Key, *req.Meta)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Key: req.Key, Info: info}, nil

	case "status":
		status, err := s.store.Status(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Status: status}, nil

	default:
		return Response{}, errors.WrapInvalid(
			fmt.Errorf("%w: unknown action %q", errors.ErrInvalidData, req.Action), "Service", "dispatch", "route request")
	}
}

func errorResponse(err error) Response {
	return Response{
		Success:    false,
		Error:      err.Error(),
		ErrorClass: errors.Classify(err).String(),
	}
}

// publishEvents forwards watcher updates to the events subject until the watch ends
func (s *Service) publishEvents(w *Watcher) {
	defer s.wg.Done()

	for info := range w.Updates() {
		if info == nil {
			continue
		}
		event := Event{
			Type:      "updated",
			Key:       info.Name,
			Revision:  info.Revision,
			Size:      info.Size,
			Timestamp: info.ModTime,
		}
		if info.Deleted {
			event.Type = "deleted"
		}

		data, err := json.Marshal(event)
		if err != nil {
			s.logger.Error("Failed to marshal event", "error", err)
			continue
		}
		if err := s.bus.Publish(context.Background(), s.eventsSubject, data); err != nil {
			s.logger.Error("Failed to publish event", "subject", s.eventsSubject, "error", err)
			continue
		}
		s.events.Add(1)
	}

	if err := w.Err(); err != nil {
		s.logger.Warn("Event watch ended", "error", err)
	}
}
