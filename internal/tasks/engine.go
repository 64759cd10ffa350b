// Package tasks implements the asynchronous server task engine. Tasks
// are created as entries under cn=tasks,cn=config, executed by a worker
// pool, and report progress and completion through the nsTask* attributes
// on the task entry. A task is finished exactly when nsTaskExitCode is
// present (set once, never changed) or when the task entry itself has
// been removed.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/dn"
	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/result"
	"github.com/isometry/dirrepl/internal/store"
)

// RUVCleaner is the replication-layer hook the cleanAllRUV task kinds
// delegate to. It is installed after engine construction because the
// replication layer itself schedules tasks.
type RUVCleaner interface {
	CleanAllRUV(ctx context.Context, suffix string, replicaID uint16, force bool) error
	AbortCleanAllRUV(ctx context.Context, suffix string, replicaID uint16, certifyAll bool) error
}

// Engine owns task scheduling and execution for one directory instance.
type Engine struct {
	store  *store.Store
	logger *zap.Logger

	mu      sync.Mutex
	tasks   map[string]*Handle // keyed by dn.Key of the task DN
	locks   map[string]*sync.Mutex
	cleaner RUVCleaner

	queue    chan *Handle
	workers  int
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	quit     chan struct{}
	quitOnce sync.Once
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithWorkers sets the size of the execution pool.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// NewEngine creates an engine bound to st, seeding the task container
// entries if they do not exist yet.
func NewEngine(st *store.Store, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:   st,
		logger:  logger.Named("tasks"),
		tasks:   make(map[string]*Handle),
		locks:   make(map[string]*sync.Mutex),
		queue:   make(chan *Handle, 64),
		quit:    make(chan struct{}),
		workers: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.seedContainers(); err != nil {
		return nil, err
	}
	return e, nil
}

// SetRUVCleaner installs the replication hook used by the cleanAllRUV
// and abort cleanAllRUV task kinds.
func (e *Engine) SetRUVCleaner(c RUVCleaner) {
	e.mu.Lock()
	e.cleaner = c
	e.mu.Unlock()
}

func (e *Engine) seedContainers() error {
	seed := func(d string) error {
		cn, err := dn.RDNValue(d, "cn")
		if err != nil {
			return err
		}
		err = e.store.Add(entry.New(d, map[string][]string{
			"objectclass": {"top", "extensibleObject"},
			"cn":          {cn},
		}))
		if err != nil && !errors.Is(err, result.ErrAlreadyExists) {
			return err
		}
		return nil
	}
	if err := e.store.AddSuffix("cn=config"); err != nil {
		return err
	}
	if err := seed("cn=config"); err != nil {
		return err
	}
	if err := seed(TasksDN); err != nil {
		return err
	}
	for k := range kindInfo {
		if err := seed(k.Container()); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the worker pool. Stop must be called to release it.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
}

// Stop cancels running tasks, releases queued hand-offs and waits for
// the pool to drain.
func (e *Engine) Stop() {
	e.quitOnce.Do(func() { close(e.quit) })
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Create validates the parameters, writes the task entry under the
// kind's container and queues it for execution. Validation failures
// leave no task state behind. Create never blocks on a busy pool.
func (e *Engine) Create(params Params) (*Handle, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	kind := params.Kind()
	cn := taskCN(kind)
	taskDN := dn.Join("cn="+dn.EscapeValue(cn), kind.Container())

	attrs := map[string][]string{
		"objectclass": {"top", "extensibleObject"},
		"cn":          {cn},
	}
	te := entry.New(taskDN, attrs)
	for _, a := range params.taskAttrs() {
		te.SetValues(a.Name, a.Values...)
	}
	if err := e.store.Add(te); err != nil {
		return nil, err
	}

	h := &Handle{
		engine:  e,
		dn:      taskDN,
		kind:    kind,
		params:  params,
		created: time.Now(),
		done:    make(chan struct{}),
	}
	key, _ := dn.Key(taskDN)

	e.mu.Lock()
	e.tasks[key] = h
	e.mu.Unlock()

	e.logger.Info("task created",
		zap.String("dn", taskDN),
		zap.String("kind", kind.String()))

	select {
	case e.queue <- h:
	default:
		// Pool backlog is full; hand off asynchronously so creation
		// stays non-blocking. The hand-off gives up once the engine
		// stops, so it cannot outlive the pool.
		go func() {
			select {
			case e.queue <- h:
			case <-e.quit:
			}
		}()
	}
	return h, nil
}

// Lookup returns the handle for a task DN, if the engine created one.
func (e *Engine) Lookup(taskDN string) (*Handle, bool) {
	key, err := dn.Key(taskDN)
	if err != nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.tasks[key]
	return h, ok
}

// IsComplete reports whether the task identified by DN has finished. A
// task whose entry has vanished counts as complete with unknown outcome.
func (e *Engine) IsComplete(taskDN string) bool {
	te, err := e.store.Get(taskDN)
	if err != nil {
		return true
	}
	return te.HasAttribute("nsTaskExitCode")
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-e.queue:
			e.run(ctx, h)
		}
	}
}

func (e *Engine) backendLock(name string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.locks[name]
	if !ok {
		m = &sync.Mutex{}
		e.locks[name] = m
	}
	return m
}

func (e *Engine) run(ctx context.Context, h *Handle) {
	if bs, ok := h.params.(backendScoped); ok && bs.backendName() != "" {
		lock := e.backendLock(bs.backendName())
		lock.Lock()
		defer lock.Unlock()
	}

	e.setStatus(h, "task running")
	start := time.Now()
	code, status := e.execute(ctx, h)
	e.complete(h, code, status)

	e.logger.Info("task finished",
		zap.String("dn", h.dn),
		zap.String("kind", h.kind.String()),
		zap.Int("exit_code", code),
		zap.Duration("elapsed", time.Since(start)))
}

// setStatus updates nsTaskStatus on the task entry. The entry may have
// been deleted by an operator; that is not an error.
func (e *Engine) setStatus(h *Handle, status string) {
	err := e.store.Modify(h.dn, []entry.Mod{
		{Type: entry.ModReplace, Name: "nsTaskStatus", Values: []string{status}},
	})
	if err != nil && !errors.Is(err, result.ErrNoSuchObject) {
		e.logger.Warn("task status update failed", zap.String("dn", h.dn), zap.Error(err))
	}
}

// setProgress publishes nsTaskCurrentItem / nsTaskTotalItems.
func (e *Engine) setProgress(h *Handle, current, total int) {
	err := e.store.Modify(h.dn, []entry.Mod{
		{Type: entry.ModReplace, Name: "nsTaskCurrentItem", Values: []string{strconv.Itoa(current)}},
		{Type: entry.ModReplace, Name: "nsTaskTotalItems", Values: []string{strconv.Itoa(total)}},
	})
	if err != nil && !errors.Is(err, result.ErrNoSuchObject) {
		e.logger.Warn("task progress update failed", zap.String("dn", h.dn), zap.Error(err))
	}
}

// appendLog adds a line to nsTaskLog.
func (e *Engine) appendLog(h *Handle, line string) {
	te, err := e.store.Get(h.dn)
	if err != nil {
		return
	}
	log := append(te.GetValues("nsTaskLog"), line)
	err = e.store.Modify(h.dn, []entry.Mod{
		{Type: entry.ModReplace, Name: "nsTaskLog", Values: log},
	})
	if err != nil && !errors.Is(err, result.ErrNoSuchObject) {
		e.logger.Warn("task log update failed", zap.String("dn", h.dn), zap.Error(err))
	}
}

// complete records the final exit code exactly once and releases
// waiters. Later calls are ignored.
func (e *Engine) complete(h *Handle, code int, status string) {
	h.mu.Lock()
	if h.exitCode != nil {
		h.mu.Unlock()
		return
	}
	h.exitCode = &code
	h.mu.Unlock()

	err := e.store.Modify(h.dn, []entry.Mod{
		{Type: entry.ModReplace, Name: "nsTaskExitCode", Values: []string{strconv.Itoa(code)}},
		{Type: entry.ModReplace, Name: "nsTaskStatus", Values: []string{status}},
	})
	if err != nil && !errors.Is(err, result.ErrNoSuchObject) {
		e.logger.Warn("task completion update failed", zap.String("dn", h.dn), zap.Error(err))
	}
	close(h.done)
}

// Handle tracks one scheduled task.
type Handle struct {
	engine  *Engine
	dn      string
	kind    Kind
	params  Params
	created time.Time

	mu       sync.Mutex
	exitCode *int
	done     chan struct{}
}

// DN returns the task entry's distinguished name.
func (h *Handle) DN() string { return h.dn }

// Kind returns the task's operation kind.
func (h *Handle) Kind() Kind { return h.kind }

// ExitCode returns the recorded exit code. ok is false while the task
// is still running.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitCode == nil {
		return 0, false
	}
	return *h.exitCode, true
}

// Done exposes the completion channel for select-based waiting.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task completes or ctx expires, returning the
// exit code. A non-zero exit code is reported as a task failure error.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("waiting for task %s: %w", h.dn, ctx.Err())
	case <-h.done:
	}
	code, _ := h.ExitCode()
	if code != 0 {
		return code, result.TaskFailed(h.kind.String(), h.dn, code)
	}
	return 0, nil
}

func taskCN(kind Kind) string {
	stamp := time.Now().Format("01022006_150405")
	nonce := uuid.NewString()[:8]
	return kind.prefix() + stamp + "_" + nonce
}
