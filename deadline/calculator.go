// Package deadline computes regulatory due-dates for card disputes. All
// functions are pure: the reference instant is always supplied by the caller,
// so the same snapshot and as_of produce identical output.
package deadline

import "time"

// Instrument is the payment-instrument class that selects the regulatory regime.
type Instrument string

const (
	InstrumentDebit   Instrument = "debit"
	InstrumentCredit  Instrument = "credit"
	InstrumentPrepaid Instrument = "prepaid"
)

// Regulation tags each deadline with the rule-set it derives from, so callers
// can alert on regime A and regime B deadlines independently.
type Regulation string

const (
	RegulationRegimeA Regulation = "regime_a" // debit / prepaid
	RegulationRegimeB Regulation = "regime_b" // credit
)

// Deadline labels.
const (
	LabelProvisionalCredit     = "provisional_credit"
	LabelInvestigation         = "investigation"
	LabelInvestigationExtended = "investigation_extended"
	LabelAcknowledgment        = "acknowledgment"
	LabelResolution            = "resolution"
)

// Deadline is one regulatory due-date attached to a dispute.
type Deadline struct {
	Label      string
	Regulation Regulation
	DueAt      time.Time
	Satisfied  bool
}

// Snapshot carries the dispute attributes the calculator reads. It is a value
// type on purpose: the calculator never sees the live dispute record.
type Snapshot struct {
	FiledAt                time.Time
	Instrument             Instrument
	AccountAgeDays         int
	CrossBorder            bool
	PointOfSaleOrigin      bool
	BillingCycleDays       int // 0 means the default cycle length
	InvestigationConcluded bool
}

const (
	regimeAInvestigationDays = 45
	regimeAExtendedDays      = 90
	provisionalCreditBizDays = 10
	regimeBAcknowledgeDays   = 30
	regimeBResolutionCapDays = 90
	defaultBillingCycleDays  = 30
	newAccountAgeDays        = 30
)

// Outcome is the calculator result: the deadlines that apply, plus a flag for
// snapshots whose instrument class no regime covers. Callers map that flag to
// specialist routing instead of failing the transition.
type Outcome struct {
	Deadlines                    []Deadline
	RequiresManualClassification bool
}

// Compute derives the applicable deadlines for the snapshot as of the given
// instant. asOf only matters for rules conditioned on elapsed state (the
// provisional-credit requirement lapses once the investigation concluded);
// all due-dates anchor on FiledAt.
func Compute(snap Snapshot, asOf time.Time, cal *Calendar) Outcome {
	switch snap.Instrument {
	case InstrumentDebit, InstrumentPrepaid:
		return Outcome{Deadlines: regimeA(snap, cal)}
	case InstrumentCredit:
		return Outcome{Deadlines: regimeB(snap)}
	default:
		return Outcome{RequiresManualClassification: true}
	}
}

func regimeA(snap Snapshot, cal *Calendar) []Deadline {
	var out []Deadline
	if !snap.InvestigationConcluded {
		out = append(out, Deadline{
			Label:      LabelProvisionalCredit,
			Regulation: RegulationRegimeA,
			DueAt:      cal.AddBusinessDays(snap.FiledAt, provisionalCreditBizDays),
		})
	}
	label := LabelInvestigation
	days := regimeAInvestigationDays
	if snap.AccountAgeDays < newAccountAgeDays || snap.CrossBorder || snap.PointOfSaleOrigin {
		label = LabelInvestigationExtended
		days = regimeAExtendedDays
	}
	out = append(out, Deadline{
		Label:      label,
		Regulation: RegulationRegimeA,
		DueAt:      snap.FiledAt.AddDate(0, 0, days),
	})
	return out
}

func regimeB(snap Snapshot) []Deadline {
	cycle := snap.BillingCycleDays
	if cycle <= 0 {
		cycle = defaultBillingCycleDays
	}
	resolutionDays := 2 * cycle
	if resolutionDays > regimeBResolutionCapDays {
		resolutionDays = regimeBResolutionCapDays
	}
	return []Deadline{
		{
			Label:      LabelAcknowledgment,
			Regulation: RegulationRegimeB,
			DueAt:      snap.FiledAt.AddDate(0, 0, regimeBAcknowledgeDays),
		},
		{
			Label:      LabelResolution,
			Regulation: RegulationRegimeB,
			DueAt:      snap.FiledAt.AddDate(0, 0, resolutionDays),
		},
	}
}
