package authflow

import (
	"context"

	"github.com/MrEthical07/authflow/internal/audit"
	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/verify"
)

// flowObserver turns login transitions into audit events and counters.
type flowObserver struct {
	audit   *audit.Dispatcher
	metrics *Metrics
}

func (o *flowObserver) OnStageVerified(ctx context.Context, e flows.Event) {
	o.metrics.Inc(MetricStageVerified)
	if e.Stage == flows.StageMFA {
		o.metrics.Inc(MetricMFASuccess)
	}
	if e.Stage == flows.StageProvider {
		o.metrics.Inc(MetricProviderLogin)
	}
	o.emit(ctx, audit.TypeStageVerified, e, true, map[string]string{
		"stage":  string(e.Stage),
		"method": e.Method,
	})
}

func (o *flowObserver) OnStageFailed(ctx context.Context, e flows.Event) {
	o.metrics.Inc(MetricStageFailed)
	if e.Stage == flows.StageMFA {
		o.metrics.Inc(MetricMFAFailure)
	}
	o.emit(ctx, audit.TypeStageFailed, e, false, map[string]string{
		"stage":   string(e.Stage),
		"outcome": e.Outcome.String(),
	})
}

func (o *flowObserver) OnComplete(ctx context.Context, e flows.Event) {
	o.metrics.Inc(MetricLoginSuccess)
	o.emit(ctx, audit.TypeLoginComplete, e, true, nil)
}

func (o *flowObserver) OnAbandoned(ctx context.Context, e flows.Event) {
	o.metrics.Inc(MetricLoginAbandoned)
	var meta map[string]string
	if e.Outcome != verify.OK {
		meta = map[string]string{"outcome": e.Outcome.String()}
	}
	o.emit(ctx, audit.TypeLoginAbandoned, e, false, meta)
}

func (o *flowObserver) emit(ctx context.Context, typ string, e flows.Event, ok bool, meta map[string]string) {
	if o.audit == nil {
		return
	}
	ev := audit.Event{
		Timestamp: e.At,
		EventType: typ,
		UserID:    e.UserID,
		FlowID:    e.FlowID,
		IP:        e.IP,
		Success:   ok,
		Metadata:  meta,
	}
	if !ok && e.Outcome != verify.OK {
		ev.Error = e.Outcome.String()
	}
	o.audit.Emit(ctx, ev)
}
