package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bridgecall/bridgecall/internal/aivoice"
	"github.com/bridgecall/bridgecall/internal/pipeline"
	"github.com/bridgecall/bridgecall/internal/session"
)

// Factory creates a Relay per accepted media stream and tracks which relay
// currently serves which call, so out-of-band events (answering-machine
// detection) can reach the live AI socket.
type Factory struct {
	registry *session.Registry
	ai       *aivoice.Client
	pipe     *pipeline.Pipeline
	transfer TransferControl
	reports  ReportScheduler
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*Relay
}

// NewFactory creates the relay factory.
func NewFactory(registry *session.Registry, ai *aivoice.Client, pipe *pipeline.Pipeline, transfer TransferControl, reports ReportScheduler, logger *slog.Logger) *Factory {
	return &Factory{
		registry: registry,
		ai:       ai,
		pipe:     pipe,
		transfer: transfer,
		reports:  reports,
		logger:   logger.With("subsystem", "relay"),
		active:   make(map[string]*Relay),
	}
}

// Handle runs a relay over an accepted telephony stream socket, blocking
// until the call's media stream ends.
func (f *Factory) Handle(ctx context.Context, conn *websocket.Conn) {
	r := &Relay{
		registry: f.registry,
		ai:       f.ai,
		pipe:     f.pipe,
		transfer: f.transfer,
		reports:  f.reports,
		factory:  f,
		logger:   f.logger,
	}
	r.Run(ctx, conn)
}

// Instruct pushes an instruction to the live AI socket for a call, if one
// exists. It reports whether a relay was found.
func (f *Factory) Instruct(ctx context.Context, callID, text string) bool {
	f.mu.Lock()
	r := f.active[callID]
	f.mu.Unlock()
	if r == nil {
		return false
	}
	if err := r.SendInstruction(ctx, text); err != nil {
		f.logger.Debug("out-of-band instruction failed", "call_id", callID, "error", err)
		return false
	}
	return true
}

// ActiveCount returns the number of live relays, for metrics.
func (f *Factory) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

func (f *Factory) register(callID string, r *Relay) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[callID] = r
}

func (f *Factory) unregister(callID string, r *Relay) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// A reconnected call may already be served by a newer relay.
	if f.active[callID] == r {
		delete(f.active, callID)
	}
}
