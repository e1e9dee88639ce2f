package resourcemonitor

import (
	"time"

	"github.com/aosedge/aos-sm/pkg/types"
)

// AlertSender delivers one filled alert to the cloud; external
// collaborator (spec.md §1 "AlertSender*").
type AlertSender interface {
	SendAlert(alert types.AlertTemplate) error
}

// AlertProcessor is the hysteresis state machine described in spec.md
// §4.4: it watches one resource's sampled value against a rule's
// (minThreshold, maxThreshold) and emits Raise/Continue/Fall alerts
// once a crossing has been sustained for at least MinTimeout.
//
// Open-question decision (DESIGN.md): the crossing timer is reset the
// instant a sample falls back across the threshold before MinTimeout
// elapses — it measures a contiguous run past the threshold, not a
// cumulative count of crossing samples.
type AlertProcessor struct {
	rule     types.AlertRule
	template types.AlertTemplate
	sender   AlertSender

	lo, hi uint64

	active           bool
	maxCrossingBegan *time.Time
	minCrossingBegan *time.Time
	lastContinueAt   *time.Time
}

// NewAlertProcessor constructs a processor for one resource. maxValue
// resolves a PercentRule's thresholds to absolute points; it is
// ignored for a PointsRule.
func NewAlertProcessor(rule types.AlertRule, maxValue uint64, template types.AlertTemplate, sender AlertSender) *AlertProcessor {
	if p, ok := rule.Value.(types.PercentRule); ok && p.MaxValue == 0 {
		rule.Value = types.PercentRule{MaxValue: maxValue, MinPercent: p.MinPercent, MaxPercent: p.MaxPercent}
	}

	lo, hi := rule.Thresholds()

	return &AlertProcessor{
		rule:     rule,
		template: template,
		sender:   sender,
		lo:       lo,
		hi:       hi,
	}
}

// Active reports whether the processor currently considers the
// resource over quota.
func (p *AlertProcessor) Active() bool {
	return p.active
}

// Process feeds one (value, time) sample through the state machine,
// emitting at most one alert. Errors from the sender are returned to
// the caller but never change processor state.
func (p *AlertProcessor) Process(value uint64, now time.Time) error {
	if !p.active {
		return p.processIdle(value, now)
	}

	return p.processActive(value, now)
}

func (p *AlertProcessor) processIdle(value uint64, now time.Time) error {
	if value < p.hi {
		p.maxCrossingBegan = nil
		return nil
	}

	if p.maxCrossingBegan == nil {
		began := now
		p.maxCrossingBegan = &began

		return nil
	}

	if now.Sub(*p.maxCrossingBegan) < p.rule.MinTimeout {
		return nil
	}

	p.active = true
	began := now
	p.maxCrossingBegan = &began
	p.minCrossingBegan = nil
	p.lastContinueAt = &began

	return p.emit(types.AlertStatusRaise, value, now)
}

func (p *AlertProcessor) processActive(value uint64, now time.Time) error {
	if value >= p.lo {
		p.minCrossingBegan = nil

		if p.lastContinueAt != nil && now.Sub(*p.lastContinueAt) < p.rule.MinTimeout {
			return nil
		}

		at := now
		p.lastContinueAt = &at

		return p.emit(types.AlertStatusContinue, value, now)
	}

	if p.minCrossingBegan == nil {
		began := now
		p.minCrossingBegan = &began

		return nil
	}

	if now.Sub(*p.minCrossingBegan) < p.rule.MinTimeout {
		return nil
	}

	p.active = false
	began := now
	p.minCrossingBegan = &began
	p.maxCrossingBegan = nil

	return p.emit(types.AlertStatusFall, value, now)
}

func (p *AlertProcessor) emit(status types.AlertStatus, value uint64, now time.Time) error {
	if p.sender == nil {
		return nil
	}

	return p.sender.SendAlert(p.template.Fill(value, now, status))
}
