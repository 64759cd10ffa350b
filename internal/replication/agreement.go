package replication

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/changelog"
	"github.com/isometry/dirrepl/internal/csn"
	"github.com/isometry/dirrepl/internal/dn"
	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/result"
	"github.com/isometry/dirrepl/internal/store"
)

// State is the lifecycle state of an agreement's sender.
type State int

const (
	StateDisabled State = iota
	StateInitializing
	StateActive
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// AgreementConfig describes one outbound replication agreement.
type AgreementConfig struct {
	// Name identifies the agreement within its suffix.
	Name string

	// Suffix is the replicated naming context.
	Suffix string

	// StripAttrs lists attributes removed from outgoing changes. The
	// local copy keeps them; only the wire traffic is filtered.
	StripAttrs []string

	// BatchSize bounds how many changes one drain pass pulls from the
	// changelog.
	BatchSize int `default:"50"`

	// RetryInitialDelay and RetryMaxDelay bound the exponential backoff
	// applied after a delivery failure.
	RetryInitialDelay time.Duration `default:"200ms"`
	RetryMaxDelay     time.Duration `default:"10s"`

	// MaxRetries is how many consecutive delivery failures are tolerated
	// before the agreement disables itself.
	MaxRetries int `default:"5"`

	// ProbeInterval is the poll interval used by Probe.
	ProbeInterval time.Duration `default:"50ms"`
}

// Agreement pushes changes for one suffix to one consumer. A dedicated
// sender goroutine drains the supplier changelog in CSN order; delivery
// failures move the agreement to the error state with backoff, and
// persistent failure disables it.
type Agreement struct {
	cfg      AgreementConfig
	store    *store.Store
	log      *changelog.Log
	consumer Consumer
	logger   *zap.Logger

	suffixKey string
	configDN  string

	mu       sync.Mutex
	state    State
	lastSent csn.CSN
	lastErr  error
	paused   bool
	resume   chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	notify <-chan struct{}
}

func newAgreement(cfg AgreementConfig, st *store.Store, consumer Consumer, logger *zap.Logger) (*Agreement, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("agreement defaults: %w", err)
	}
	if cfg.Name == "" {
		return nil, result.InvalidArgument("add agreement", "agreement name is mandatory")
	}
	suffixKey, err := dn.Key(cfg.Suffix)
	if err != nil {
		return nil, result.InvalidArgument("add agreement", "bad suffix %q: %v", cfg.Suffix, err)
	}
	if consumer == nil {
		return nil, result.InvalidArgument("add agreement", "agreement needs a consumer")
	}
	return &Agreement{
		cfg:       cfg,
		store:     st,
		log:       st.Changelog(),
		consumer:  consumer,
		logger:    logger.Named("agreement").With(zap.String("name", cfg.Name), zap.String("suffix", cfg.Suffix)),
		suffixKey: suffixKey,
		configDN:  dn.Join("cn="+dn.EscapeValue(cfg.Name), ReplicaConfigDN(cfg.Suffix)),
		state:     StateDisabled,
		done:      make(chan struct{}),
	}, nil
}

// Name returns the agreement's name.
func (a *Agreement) Name() string { return a.cfg.Name }

// Suffix returns the replicated naming context.
func (a *Agreement) Suffix() string { return a.cfg.Suffix }

// ConfigDN returns the agreement's configuration entry DN.
func (a *Agreement) ConfigDN() string { return a.configDN }

// State returns the sender state.
func (a *Agreement) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the last delivery error, if the agreement is in the error
// or disabled state because of one.
func (a *Agreement) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// LastSent returns the CSN of the newest successfully delivered change.
func (a *Agreement) LastSent() csn.CSN {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSent
}

// StripAttrs returns the attributes currently filtered from outgoing
// changes.
func (a *Agreement) StripAttrs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cfg.StripAttrs...)
}

// SetStripAttrs replaces the outgoing filter list on a live agreement.
// Changes already queued are filtered with the new list when sent.
func (a *Agreement) SetStripAttrs(attrs []string) error {
	mod := entry.Mod{Type: entry.ModReplace, Name: "nsds5replicastripattrs"}
	if len(attrs) > 0 {
		mod.Values = []string{strings.Join(attrs, " ")}
	}
	if err := a.store.Modify(a.configDN, []entry.Mod{mod}); err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg.StripAttrs = append([]string(nil), attrs...)
	a.mu.Unlock()
	return nil
}

func (a *Agreement) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.notify = a.log.Subscribe()
	a.mu.Lock()
	a.state = StateActive
	a.mu.Unlock()
	go a.sender(ctx)
}

func (a *Agreement) stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	a.mu.Lock()
	a.state = StateDisabled
	a.mu.Unlock()
}

// Pause suspends delivery. Local writes keep accumulating in the
// changelog and are delivered on Resume.
func (a *Agreement) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused {
		return
	}
	a.paused = true
	a.resume = make(chan struct{})
	if a.state == StateActive {
		a.state = StatePaused
	}
}

// Resume releases a paused sender.
func (a *Agreement) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.paused {
		return
	}
	a.paused = false
	close(a.resume)
	if a.state == StatePaused {
		a.state = StateActive
	}
}

func (a *Agreement) sender(ctx context.Context) {
	defer close(a.done)
	for {
		if !a.drain(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-a.notify:
		}
	}
}

// drain pushes pending changes until the changelog is exhausted. It
// returns false when the sender should terminate.
func (a *Agreement) drain(ctx context.Context) bool {
	for {
		a.mu.Lock()
		if a.paused {
			resume := a.resume
			a.mu.Unlock()
			select {
			case <-ctx.Done():
				return false
			case <-resume:
			}
			continue
		}
		last := a.lastSent
		a.mu.Unlock()

		batch := a.log.After(last, a.cfg.BatchSize)
		if len(batch) == 0 {
			return true
		}
		for _, c := range batch {
			if !dn.Under(c.DN, a.cfg.Suffix) {
				a.advance(c.CSN)
				continue
			}
			out, skip := a.outbound(c)
			if skip {
				a.advance(c.CSN)
				continue
			}
			if !a.deliver(ctx, out) {
				return false
			}
			a.advance(c.CSN)
		}
	}
}

func (a *Agreement) advance(c csn.CSN) {
	a.mu.Lock()
	if a.lastSent.Less(c) {
		a.lastSent = c
	}
	a.mu.Unlock()
}

// outbound applies attribute stripping to a copy of the change. The
// stored change is never modified. skip is true when stripping leaves
// nothing to send.
func (a *Agreement) outbound(c changelog.Change) (changelog.Change, bool) {
	a.mu.Lock()
	strip := a.cfg.StripAttrs
	a.mu.Unlock()
	if len(strip) == 0 {
		return c, false
	}
	stripped := func(name string) bool {
		for _, s := range strip {
			if strings.EqualFold(s, name) {
				return true
			}
		}
		return false
	}
	switch c.Type {
	case changelog.ChangeAdd:
		if c.Entry == nil {
			return c, false
		}
		clone := c.Entry.Clone()
		for _, s := range strip {
			if clone.HasAttribute(s) {
				clone.SetValues(s)
			}
		}
		c.Entry = clone
		return c, false
	case changelog.ChangeModify:
		var mods []entry.Mod
		for _, m := range c.Mods {
			if !stripped(m.Name) {
				mods = append(mods, m)
			}
		}
		if len(mods) == 0 {
			return c, true
		}
		c.Mods = mods
		return c, false
	default:
		return c, false
	}
}

// deliver sends one change with exponential backoff. It returns false
// when retries are exhausted, the failure is permanent or the context
// is gone; the agreement is disabled in the first two cases.
func (a *Agreement) deliver(ctx context.Context, c changelog.Change) bool {
	delay := a.cfg.RetryInitialDelay
	for attempt := 0; ; attempt++ {
		err := a.consumer.SendChange(ctx, a.cfg.Suffix, c)
		if err == nil {
			a.mu.Lock()
			if a.state == StateError {
				a.state = StateActive
				a.lastErr = nil
			}
			a.mu.Unlock()
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		if !result.Retryable(err) {
			a.mu.Lock()
			a.state = StateDisabled
			a.lastErr = err
			a.mu.Unlock()
			a.logger.Error("agreement disabled: delivery rejected permanently",
				zap.String("csn", c.CSN.String()),
				zap.String("category", string(result.CategoryOf(err))),
				zap.Error(err))
			return false
		}

		a.mu.Lock()
		a.state = StateError
		a.lastErr = err
		a.mu.Unlock()
		a.logger.Warn("delivery failed",
			zap.String("csn", c.CSN.String()),
			zap.String("category", string(result.CategoryOf(err))),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt+1 >= a.cfg.MaxRetries {
			a.mu.Lock()
			a.state = StateDisabled
			a.mu.Unlock()
			a.logger.Error("agreement disabled after repeated delivery failures",
				zap.String("csn", c.CSN.String()))
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if delay *= 2; delay > a.cfg.RetryMaxDelay {
			delay = a.cfg.RetryMaxDelay
		}
	}
}

// Init performs a full initialization of the consumer: the entire
// suffix, tombstones included, is transferred wholesale and the sender
// cursor moves past everything the snapshot contains. Transient
// failures are retried with backoff; exhausting the retries disables
// the agreement.
func (a *Agreement) Init(ctx context.Context) error {
	a.mu.Lock()
	a.state = StateInitializing
	a.mu.Unlock()

	entries, err := a.store.SubtreeEntries(a.cfg.Suffix, true)
	if err != nil {
		a.fail(err)
		return err
	}
	mark := a.log.Last()

	delay := a.cfg.RetryInitialDelay
	for attempt := 0; ; attempt++ {
		err = a.consumer.SendInit(ctx, a.cfg.Suffix, entries)
		if err == nil {
			break
		}
		a.fail(err)
		if ctx.Err() != nil || attempt+1 >= a.cfg.MaxRetries {
			if ctx.Err() == nil {
				a.mu.Lock()
				a.state = StateDisabled
				a.mu.Unlock()
				a.logger.Error("agreement disabled after repeated init failures", zap.Error(err))
			}
			return fmt.Errorf("initializing consumer for %s: %w", a.cfg.Suffix, err)
		}
		a.logger.Warn("init failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("initializing consumer for %s: %w", a.cfg.Suffix, ctx.Err())
		case <-time.After(delay):
		}
		if delay *= 2; delay > a.cfg.RetryMaxDelay {
			delay = a.cfg.RetryMaxDelay
		}
	}

	a.mu.Lock()
	if a.lastSent.Less(mark) {
		a.lastSent = mark
	}
	a.state = StateActive
	a.lastErr = nil
	a.mu.Unlock()
	a.logger.Info("consumer initialized", zap.Int("entries", len(entries)))
	return nil
}

func (a *Agreement) fail(err error) {
	a.mu.Lock()
	a.state = StateError
	a.lastErr = err
	a.mu.Unlock()
}

// Probe verifies end-to-end replication by writing a marker value to
// testDN and polling the consumer until its update vector covers the
// resulting CSN. It is the programmatic equivalent of watching a test
// write appear on the peer.
func (a *Agreement) Probe(ctx context.Context, testDN string) error {
	marker := "replication probe " + uuid.NewString()
	err := a.store.Modify(testDN, []entry.Mod{
		{Type: entry.ModReplace, Name: "description", Values: []string{marker}},
	})
	if err != nil {
		return fmt.Errorf("probe write to %s: %w", testDN, err)
	}
	target := a.log.Last()

	ticker := time.NewTicker(a.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		ruv, err := a.consumer.FetchRUV(ctx, a.cfg.Suffix)
		if err == nil && ruv.Covers(target) {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("replication probe: %w (last consumer error: %v)", ctx.Err(), err)
			}
			return fmt.Errorf("replication probe: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
