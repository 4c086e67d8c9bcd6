package tgviz

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ProcessingMode selects how the Processor waits on TGViz.
type ProcessingMode string

const (
	// ModeAsync reports updates in the background and never blocks the
	// handler. Skip verdicts cannot be applied in this mode.
	ModeAsync ProcessingMode = "async"

	// ModeSync waits for the TGViz verdict before running the handler
	// and drops updates the service marks skip_update.
	ModeSync ProcessingMode = "sync"
)

func (m ProcessingMode) Valid() bool {
	return m == ModeAsync || m == ModeSync
}

// Handler is the bot's own update handling, run unless a sync-mode
// verdict skips the update.
type Handler func(ctx context.Context) (any, error)

// Result reports what ProcessUpdate did with one update.
type Result struct {
	// Value is whatever the handler returned. Zero when Skipped.
	Value any

	// Skipped is true when a sync-mode verdict dropped the update
	// before the handler ran.
	Skipped bool
}

type updateSender interface {
	SendUpdate(ctx context.Context, update any) (*Response, error)
}

// ProcessorOptions configures a Processor and its underlying client.
type ProcessorOptions struct {
	// Token authenticates the bot with TGViz.
	Token string

	// Mode selects async or sync processing. Defaults to ModeAsync.
	Mode ProcessingMode

	// APIURL, Timeout and HTTPClient configure the underlying client
	// exactly as in Options.
	APIURL     string
	Timeout    time.Duration
	HTTPClient *http.Client

	// Logger receives processor diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Processor reports updates to TGViz around a bot's own handler.
//
// In async mode every update is reported from a background goroutine
// and the handler always runs. In sync mode the report happens first
// and a skip verdict prevents the handler from running. A report
// failure never fails the update in either mode.
type Processor struct {
	sender  updateSender
	mode    ProcessingMode
	logger  *slog.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewProcessor validates opts and builds a Processor.
func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeAsync
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid processing mode %q", mode)
	}

	client, err := NewClient(Options{
		Token:      opts.Token,
		APIURL:     opts.APIURL,
		Timeout:    opts.Timeout,
		HTTPClient: opts.HTTPClient,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Background reports outlive the update that triggered them, so
	// they run on a processor-owned context rather than the caller's.
	baseCtx, cancel := context.WithCancel(context.Background())

	return &Processor{
		sender:  client,
		mode:    mode,
		logger:  logger,
		baseCtx: baseCtx,
		cancel:  cancel,
	}, nil
}

func (p *Processor) Mode() ProcessingMode {
	return p.mode
}

// ProcessUpdate reports one update to TGViz and runs handler according
// to the configured mode. Report failures are logged and the handler
// runs anyway; handler errors are returned unchanged.
func (p *Processor) ProcessUpdate(ctx context.Context, update any, handler Handler) (Result, error) {
	if p.mode == ModeSync {
		return p.processSync(ctx, update, handler)
	}
	return p.processAsync(ctx, update, handler)
}

func (p *Processor) processSync(ctx context.Context, update any, handler Handler) (Result, error) {
	verdict, err := p.sender.SendUpdate(ctx, update)
	if err != nil {
		p.logger.Error("tgviz report failed", "mode", ModeSync, "error", err)
	} else if verdict.Skip() {
		p.logger.Debug("update skipped by tgviz", "update_id", verdict.UpdateID)
		return Result{Skipped: true}, nil
	}

	value, err := handler(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: value}, nil
}

func (p *Processor) processAsync(ctx context.Context, update any, handler Handler) (Result, error) {
	go p.reportInBackground(update)

	value, err := handler(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: value}, nil
}

func (p *Processor) reportInBackground(update any) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("tgviz report panicked", "mode", ModeAsync, "panic", r)
		}
	}()

	if _, err := p.sender.SendUpdate(p.baseCtx, update); err != nil {
		p.logger.Error("tgviz report failed", "mode", ModeAsync, "error", err)
	}
}

// Close abandons in-flight background reports. The processor must not
// be used after Close.
func (p *Processor) Close() {
	p.cancel()
}
