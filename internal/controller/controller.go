// Package controller owns the connections to TwinCAT, Virtuos and the OPC UA
// exchange server and runs every synchronization operation on one loop.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SUNQC97/Pipeline-Code/internal/audit"
	"github.com/SUNQC97/Pipeline-Code/internal/config"
	"github.com/SUNQC97/Pipeline-Code/internal/notify"
	"github.com/SUNQC97/Pipeline-Code/internal/opc"
	"github.com/SUNQC97/Pipeline-Code/internal/params"
	"github.com/SUNQC97/Pipeline-Code/internal/twincat"
	"github.com/SUNQC97/Pipeline-Code/internal/virtuos"
)

// Exchange is the OPC UA session the controller drives.
type Exchange interface {
	opc.NodeIO
	MonitorItem(ctx context.Context, nodeID string) error
	UnmonitorItem(ctx context.Context, nodeID string) error
	SetHandler(h opc.DataChangeHandler)
	Disconnect(ctx context.Context) error
}

// Dialer opens an OPC UA session.
type Dialer func(ctx context.Context, cfg *opc.Config, logger *zap.Logger) (Exchange, error)

// TreeOpener opens the TwinCAT tree session. The returned func releases it.
type TreeOpener func(cfg config.TwinCATConfig) (twincat.Tree, func() error, error)

// VirtuosOpener opens the Virtuos parameter interface.
type VirtuosOpener func(cfg config.VirtuosConfig) (virtuos.ParameterAPI, func() error, error)

// Event is pushed to API clients.
type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
}

const (
	EventLog            = "log"
	EventPending        = "pending"
	EventPendingRemoved = "pending_removed"
	EventStatus         = "status"
)

var (
	ErrSkipped       = errors.New("skipped after local write")
	ErrNoTwinCATTree = errors.New("no TwinCAT paths found")
	ErrUnknownChange = errors.New("unknown pending change")
)

type Options struct {
	Config        *config.Config
	Logger        *zap.Logger
	Mapping       config.Mapping
	Dialer        Dialer
	TreeOpener    TreeOpener
	VirtuosOpener VirtuosOpener
}

type Controller struct {
	cfg       *config.Config
	logger    *zap.Logger
	mapping   config.Mapping
	sessionID string

	dial        Dialer
	openTree    TreeOpener
	openVirtuos VirtuosOpener

	loop      *notify.Loop
	debouncer *notify.Debouncer
	skip      *notify.SkipOnce

	mu           sync.RWMutex
	connecting   bool
	exchange     Exchange
	channels     *opc.ChannelStore
	auditStore   *opc.AuditStore
	tree         *twincat.Client
	closeTree    func() error
	vstore       *virtuos.BlockStore
	closeVirtuos func() error
	paths        []string
	monitored    []string
	pending      map[string]*PendingChange

	events chan Event
}

func New(opts Options) *Controller {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:         cfg,
		logger:      logger,
		mapping:     opts.Mapping,
		sessionID:   audit.NewSessionID(),
		dial:        opts.Dialer,
		openTree:    opts.TreeOpener,
		openVirtuos: opts.VirtuosOpener,
		loop:        notify.NewLoop(0),
		skip:        notify.NewSkipOnce(cfg.Sync.SkipFailsafe),
		pending:     make(map[string]*PendingChange),
		events:      make(chan Event, 256),
	}
	if c.dial == nil {
		c.dial = DialOPCUA
	}
	if c.openTree == nil {
		c.openTree = OpenTree
	}
	if c.openVirtuos == nil {
		c.openVirtuos = OpenVirtuos
	}
	if c.mapping == nil {
		c.mapping = config.Mapping{}
	}
	c.debouncer = notify.NewDebouncer(cfg.Sync.DebounceDelay, c.loop.Post, c.onChangesSettled)
	return c
}

// Events delivers log lines, pending changes and status updates.
func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) SessionID() string { return c.sessionID }

func (c *Controller) emit(typ, msg string, data any) {
	select {
	case c.events <- Event{Type: typ, Time: time.Now(), Message: msg, Data: data}:
	default:
	}
}

// Log records an operator-facing message.
func (c *Controller) Log(msg string, fields ...zap.Field) {
	c.logger.Info(msg, fields...)
	c.emit(EventLog, msg, nil)
}

func (c *Controller) logError(msg string, err error) {
	c.logger.Error(msg, zap.Error(err))
	c.emit(EventLog, fmt.Sprintf("%s: %v", msg, err), nil)
}

// Status is a snapshot of the connection state.
type Status struct {
	OPCUAConnected bool   `json:"opcua_connected"`
	Endpoint       string `json:"endpoint"`
	TwinCATReady   bool   `json:"twincat_ready"`
	VirtuosReady   bool   `json:"virtuos_ready"`
	Listening      bool   `json:"listening"`
	SkipArmed      bool   `json:"skip_armed"`
	Paths          int    `json:"paths"`
	Pending        int    `json:"pending"`
	SessionID      string `json:"session_id"`
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		OPCUAConnected: c.exchange != nil,
		Endpoint:       c.cfg.OPCUA.EndpointURL,
		TwinCATReady:   c.tree != nil,
		VirtuosReady:   c.vstore != nil,
		Listening:      len(c.monitored) > 0,
		SkipArmed:      c.skip.IsSet(),
		Paths:          len(c.paths),
		Pending:        len(c.pending),
		SessionID:      c.sessionID,
	}
}

// DialOPCUA connects a gopcua client built from cfg.
func DialOPCUA(ctx context.Context, cfg *opc.Config, logger *zap.Logger) (Exchange, error) {
	if err := cfg.EnsureCertificates(); err != nil {
		return nil, err
	}
	opts, err := cfg.ToOpcuaOptions()
	if err != nil {
		return nil, err
	}
	cli, err := opc.NewClient(cfg.EndpointURL, logger, opts...)
	if err != nil {
		return nil, err
	}
	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.ConnectTimeout*float64(time.Second)))
		defer cancel()
	}
	if err := cli.Connect(connectCtx); err != nil {
		// best effort if Connect got half way
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

// Connect opens the OPC UA session, retrying as configured.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.exchange != nil || c.connecting {
		c.mu.Unlock()
		c.Log("connect skipped: already connected or connecting")
		return nil
	}
	c.connecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	return c.loop.Do(ctx, func() error { return c.connect(ctx) })
}

func (c *Controller) connect(ctx context.Context) error {
	cfg := &c.cfg.OPCUA
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := time.Duration(cfg.RetryDelaySeconds * float64(time.Second))
	if delay <= 0 {
		delay = time.Second
	}

	c.Log("connecting to " + cfg.EndpointURL)
	var lastErr error
	for i := 1; i <= attempts; i++ {
		ex, err := c.dial(ctx, cfg, c.logger)
		if err == nil {
			c.mu.Lock()
			c.exchange = ex
			c.channels = opc.NewChannelStore(ex, cfg.Namespace, c.logger)
			c.auditStore = opc.NewAuditStore(ex, cfg.Namespace)
			c.mu.Unlock()
			c.Log("connected to " + cfg.EndpointURL)
			c.emit(EventStatus, "connected", nil)
			return nil
		}
		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("connect attempt timed out", zap.Int("attempt", i), zap.Int("of", attempts))
		} else {
			c.logger.Warn("connect attempt failed", zap.Int("attempt", i), zap.Int("of", attempts), zap.Error(err))
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return params.Wrap(params.KindConnection, cfg.EndpointURL, ctx.Err())
		case <-time.After(delay):
		}
	}
	err := params.Wrap(params.KindConnection, cfg.EndpointURL, lastErr)
	c.logError(fmt.Sprintf("connect failed after %d attempts", attempts), lastErr)
	return err
}

// Disconnect stops the listener and closes the OPC UA session.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.loop.Do(ctx, func() error { return c.disconnect(ctx) })
}

func (c *Controller) disconnect(ctx context.Context) error {
	c.stopListener(ctx)
	c.mu.Lock()
	ex := c.exchange
	c.exchange, c.channels, c.auditStore = nil, nil, nil
	c.mu.Unlock()
	if ex == nil {
		c.Log("no active OPC UA connection")
		return nil
	}
	err := ex.Disconnect(ctx)
	c.Log("disconnected")
	c.emit(EventStatus, "disconnected", nil)
	return err
}

// Close releases every session and stops the loop.
func (c *Controller) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.loop.Do(ctx, func() error {
		if err := c.disconnect(ctx); err != nil {
			c.logger.Warn("disconnect", zap.Error(err))
		}
		c.releaseTree()
		c.releaseVirtuos()
		return nil
	})
	c.debouncer.Stop()
	c.skip.Clear()
	c.loop.Close()
}

// session returns the OPC UA stores or a connection error.
func (c *Controller) session() (*opc.ChannelStore, *opc.AuditStore, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.channels == nil {
		return nil, nil, params.Wrap(params.KindConnection, "opcua", params.ErrNotConnected)
	}
	return c.channels, c.auditStore, nil
}

func (c *Controller) sourceName() string {
	host := c.cfg.OPCUA.EndpointURL
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Host
	}
	return "OPC UA " + host
}

// readOPCUA aggregates every Kanal the exchange server exposes.
func (c *Controller) readOPCUA(ctx context.Context) (params.Aggregate, params.Report, error) {
	store, _, err := c.session()
	if err != nil {
		return nil, params.Report{}, err
	}
	channels, err := store.ListChannels(ctx)
	if err != nil {
		return nil, params.Report{}, err
	}
	agg, rep := params.ReadAll(ctx, store, channels, c.logger)
	return agg, rep, nil
}

// ReadOPCUA returns the aggregate currently held by the exchange server.
func (c *Controller) ReadOPCUA(ctx context.Context) (params.Aggregate, params.Report, error) {
	out, err := notify.Call(ctx, c.loop, func() (aggregateRead, error) {
		agg, rep, err := c.readOPCUA(ctx)
		return aggregateRead{agg, rep}, err
	})
	return out.agg, out.rep, err
}

// aggregateRead carries an aggregate and its report back from the loop.
type aggregateRead struct {
	agg params.Aggregate
	rep params.Report
}

// Audit reads the audit trail record.
func (c *Controller) Audit(ctx context.Context) (audit.Record, error) {
	return notify.Call(ctx, c.loop, func() (audit.Record, error) {
		_, as, err := c.session()
		if err != nil {
			return audit.Record{}, err
		}
		return as.Read(ctx)
	})
}

func (c *Controller) writeAudit(ctx context.Context, node, operation string) {
	_, as, err := c.session()
	if err != nil {
		return
	}
	rec := audit.NewRecord(audit.ResolveModifier(c.cfg.OPCUA.Username), node, operation, c.sessionID)
	if err := as.Write(ctx, rec); err != nil {
		c.logger.Warn("audit trail not updated", zap.Error(err))
		return
	}
	c.logger.Info("audit trail updated", zap.String("modifier", rec.Modifier), zap.String("operation", operation))
}

// PendingChange is a settled burst of OPC UA changes awaiting the operator.
type PendingChange struct {
	ID     string        `json:"id"`
	Time   string        `json:"time"`
	Source string        `json:"source"`
	Audit  *audit.Record `json:"audit,omitempty"`
}

// onChangesSettled runs on the loop once a burst of data changes is over.
func (c *Controller) onChangesSettled(first time.Time) {
	if c.skip.Consume() {
		c.Log("skipping write back to TwinCAT after local write")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var rec *audit.Record
	if _, as, err := c.session(); err == nil {
		if r, err := as.Read(ctx); err == nil {
			rec = &r
		} else {
			c.logger.Debug("audit trail unavailable", zap.Error(err))
		}
	}
	if rec != nil && rec.Known() {
		c.Log("change by " + rec.Modifier)
	} else {
		c.Log("change by unknown modifier")
	}

	ts := time.Now().Format("2006-01-02 15:04:05")
	pc := &PendingChange{
		ID:     "change:" + ts,
		Time:   ts,
		Source: audit.FormatSource(c.sourceName(), rec),
		Audit:  rec,
	}
	c.mu.Lock()
	c.pending[pc.ID] = pc
	c.mu.Unlock()
	c.logger.Info("pending change", zap.String("id", pc.ID), zap.Time("first_event", first))
	c.emit(EventPending, pc.Source, pc)
}

// Pending lists the queued changes, oldest first.
func (c *Controller) Pending() []PendingChange {
	c.mu.RLock()
	out := make([]PendingChange, 0, len(c.pending))
	for _, pc := range c.pending {
		out = append(out, *pc)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Controller) takePending(id string) (*PendingChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChange, id)
	}
	delete(c.pending, id)
	return pc, nil
}

// ImportPending applies the change to TwinCAT and drops it from the queue.
func (c *Controller) ImportPending(ctx context.Context, id string) (ApplyResult, error) {
	c.mu.RLock()
	pc, ok := c.pending[id]
	c.mu.RUnlock()
	if !ok {
		return ApplyResult{}, fmt.Errorf("%w: %s", ErrUnknownChange, id)
	}
	by := ""
	if pc.Audit != nil {
		by = " by " + pc.Audit.Modifier
	}
	c.Log("importing " + id + by)
	res, err := c.OneClickApply(ctx)
	if err != nil {
		return res, err
	}
	if res.Skipped {
		return res, ErrSkipped
	}
	if _, err := c.takePending(id); err == nil {
		c.emit(EventPendingRemoved, id, nil)
	}
	c.Log("applied " + id)
	return res, nil
}

// IgnorePending drops the change without applying it.
func (c *Controller) IgnorePending(id string) error {
	pc, err := c.takePending(id)
	if err != nil {
		return err
	}
	by := ""
	if pc.Audit != nil {
		by = " by " + pc.Audit.Modifier
	}
	c.Log("ignored " + id + by)
	c.emit(EventPendingRemoved, id, nil)
	return nil
}
