// Package decision gates scheduled turn-ons on live power production. It is
// deliberately pure: the planner fetches provider and measurement rows and
// the verdict is a function of its arguments only.
package decision

import (
	"strings"
	"time"

	"github.com/smartlabs/smart-schedulers/internal/domain"
)

// Skip reasons recorded on audit events when a turn-on is withheld.
const (
	ReasonThresholdConfigMissing   = "THRESHOLD_CONFIG_MISSING"
	ReasonPowerProviderUnavailable = "POWER_PROVIDER_UNAVAILABLE"
	ReasonPowerIntervalMissing     = "POWER_INTERVAL_MISSING"
	ReasonPowerMissing             = "POWER_MISSING"
	ReasonPowerStale               = "POWER_STALE"
	ReasonPowerUnitMismatch        = "POWER_UNIT_MISMATCH"
	ReasonThresholdNotMet          = "THRESHOLD_NOT_MET"
)

type Kind int

const (
	KindAllowOn Kind = iota
	KindSkipNoPowerData
	KindSkipThresholdNotMet
)

func (k Kind) String() string {
	switch k {
	case KindAllowOn:
		return "ALLOW_ON"
	case KindSkipNoPowerData:
		return "SKIP_NO_POWER_DATA"
	case KindSkipThresholdNotMet:
		return "SKIP_THRESHOLD_NOT_MET"
	default:
		return "UNKNOWN"
	}
}

// Decision is the verdict for one due slot at one minute.
type Decision struct {
	Kind          Kind
	TriggerReason string

	// MeasuredValue and MeasuredUnit carry the observation that produced
	// the verdict, when one was read.
	MeasuredValue *float64
	MeasuredUnit  *string
}

func (d Decision) Allowed() bool { return d.Kind == KindAllowOn }

// SkipEventName maps a skip verdict to its audit event name.
func (d Decision) SkipEventName() domain.EventName {
	switch d.Kind {
	case KindSkipNoPowerData:
		return domain.EventSchedulerSkippedNoPowerData
	case KindSkipThresholdNotMet:
		return domain.EventSchedulerSkippedThresholdNotMet
	default:
		return ""
	}
}

// Decide evaluates the power-threshold gate for one due entry. Slots without
// a threshold pass straight through; everything else walks the data checks
// in order and the first missing piece names the skip. The carried value is
// always expressed in the threshold's unit so audits compare directly.
func Decide(entry domain.DueEntry, now time.Time, provider *domain.Provider, latest *domain.Measurement) Decision {
	if !entry.UsePowerThreshold {
		return Decision{Kind: KindAllowOn, TriggerReason: domain.TriggerSchedulerMatch}
	}

	thresholdUnit := ""
	if entry.PowerThresholdUnit != nil {
		thresholdUnit = Normalize(*entry.PowerThresholdUnit)
	}
	if entry.PowerThresholdValue == nil || thresholdUnit == "" {
		return skipNoData(ReasonThresholdConfigMissing)
	}
	if provider == nil || !provider.Enabled {
		return skipNoData(ReasonPowerProviderUnavailable)
	}
	if provider.ExpectedIntervalSec == nil || *provider.ExpectedIntervalSec <= 0 {
		return skipNoData(ReasonPowerIntervalMissing)
	}
	if latest == nil {
		return skipNoData(ReasonPowerMissing)
	}
	maxAge := time.Duration(*provider.ExpectedIntervalSec) * time.Second
	if now.Sub(latest.MeasuredAt) > maxAge {
		return skipNoData(ReasonPowerStale)
	}
	if latest.MeasuredValue == nil {
		return skipNoData(ReasonPowerMissing)
	}

	measuredUnit := ""
	if latest.MeasuredUnit != nil {
		measuredUnit = Normalize(*latest.MeasuredUnit)
	}
	if measuredUnit == "" && provider.Unit != nil {
		measuredUnit = Normalize(*provider.Unit)
	}

	converted, ok := Convert(*latest.MeasuredValue, measuredUnit, thresholdUnit)
	if !ok {
		return skipNoData(ReasonPowerUnitMismatch)
	}

	kind, reason := KindSkipThresholdNotMet, ReasonThresholdNotMet
	if converted >= *entry.PowerThresholdValue {
		kind, reason = KindAllowOn, domain.TriggerSchedulerMatch
	}
	return Decision{
		Kind:          kind,
		TriggerReason: reason,
		MeasuredValue: &converted,
		MeasuredUnit:  &thresholdUnit,
	}
}

func skipNoData(reason string) Decision {
	return Decision{Kind: KindSkipNoPowerData, TriggerReason: reason}
}

// watts per unit
var factors = map[string]float64{
	"W":  1,
	"kW": 1_000,
	"MW": 1_000_000,
}

// Normalize maps case variants of the supported units onto their canonical
// spelling. Unknown units pass through trimmed and fail conversion later.
func Normalize(unit string) string {
	trimmed := strings.TrimSpace(unit)
	switch strings.ToLower(trimmed) {
	case "w":
		return "W"
	case "kw":
		return "kW"
	case "mw":
		return "MW"
	default:
		return trimmed
	}
}

// Convert rescales value from one power unit to another via watts. The
// second return is false when either unit is unknown.
func Convert(value float64, from, to string) (float64, bool) {
	fromFactor, ok := factors[Normalize(from)]
	if !ok {
		return 0, false
	}
	toFactor, ok := factors[Normalize(to)]
	if !ok {
		return 0, false
	}
	return value * fromFactor / toFactor, true
}
