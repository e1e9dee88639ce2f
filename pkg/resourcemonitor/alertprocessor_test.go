package resourcemonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos-sm/pkg/types"
)

type recordingSender struct {
	alerts []types.AlertTemplate
}

func (s *recordingSender) SendAlert(alert types.AlertTemplate) error {
	s.alerts = append(s.alerts, alert)
	return nil
}

// TestAlertProcessorHysteresis reproduces the exact sample sequence
// and expected raise/continue/fall transitions: rule {minTimeout=1s,
// lo=90, hi=95}, values [1,2,90,91,95,96,90,80,70] at t=0..8s.
func TestAlertProcessorHysteresis(t *testing.T) {
	rule := types.AlertRule{
		MinTimeout: time.Second,
		Value:      types.PointsRule{Min: 90, Max: 95},
	}

	sender := &recordingSender{}
	template := types.AlertTemplate{System: &types.SystemQuotaAlert{Parameter: "cpu"}}
	proc := NewAlertProcessor(rule, 0, template, sender)

	base := time.Unix(0, 0)
	values := []uint64{1, 2, 90, 91, 95, 96, 90, 80, 70}

	for i, v := range values {
		now := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, proc.Process(v, now))
	}

	require.Len(t, sender.alerts, 3)

	require.Equal(t, types.AlertStatusRaise, sender.alerts[0].System.Status)
	require.Equal(t, uint64(96), sender.alerts[0].System.Value)

	require.Equal(t, types.AlertStatusContinue, sender.alerts[1].System.Status)
	require.Equal(t, uint64(90), sender.alerts[1].System.Value)

	require.Equal(t, types.AlertStatusFall, sender.alerts[2].System.Status)
	require.Equal(t, uint64(70), sender.alerts[2].System.Value)
}

func TestAlertProcessorNeverCrossesNoAlert(t *testing.T) {
	rule := types.AlertRule{MinTimeout: time.Second, Value: types.PointsRule{Min: 90, Max: 95}}
	sender := &recordingSender{}
	proc := NewAlertProcessor(rule, 0, types.AlertTemplate{System: &types.SystemQuotaAlert{}}, sender)

	base := time.Unix(0, 0)
	for i, v := range []uint64{10, 20, 30, 40} {
		require.NoError(t, proc.Process(v, base.Add(time.Duration(i)*time.Second)))
	}

	require.Empty(t, sender.alerts)
	require.False(t, proc.Active())
}

func TestAlertProcessorResetsBeforeMinTimeoutElapses(t *testing.T) {
	rule := types.AlertRule{MinTimeout: 2 * time.Second, Value: types.PointsRule{Min: 90, Max: 95}}
	sender := &recordingSender{}
	proc := NewAlertProcessor(rule, 0, types.AlertTemplate{System: &types.SystemQuotaAlert{}}, sender)

	base := time.Unix(0, 0)
	require.NoError(t, proc.Process(96, base))
	require.NoError(t, proc.Process(10, base.Add(time.Second)))
	require.NoError(t, proc.Process(96, base.Add(2*time.Second)))
	require.NoError(t, proc.Process(96, base.Add(3*time.Second)))

	require.Empty(t, sender.alerts, "crossing must restart once value falls back below hi before minTimeout elapses")
	require.False(t, proc.Active())
}

func TestPercentRuleResolvesAgainstMaxValue(t *testing.T) {
	rule := types.AlertRule{
		MinTimeout: time.Second,
		Value:      types.PercentRule{MinPercent: 80, MaxPercent: 90},
	}

	proc := NewAlertProcessor(rule, 1000, types.AlertTemplate{System: &types.SystemQuotaAlert{}}, &recordingSender{})

	require.Equal(t, uint64(800), proc.lo)
	require.Equal(t, uint64(900), proc.hi)
}
