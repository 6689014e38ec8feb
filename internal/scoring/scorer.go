// Package scoring converts raw institutional statistics plus a student
// profile into a Reach/Target/Safety label, a 0-100 match score, an
// admission probability estimate, and financial-aid commentary. All
// functions are pure: no I/O, identical inputs produce identical outputs.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/admitwise/admitwise/internal/model"
)

// Config holds the tunable scoring constants. Thresholds and bonus
// magnitudes are configuration, not literals, so they can be adjusted
// without touching the algorithm.
type Config struct {
	// ReachAcceptanceBelow labels an institution Reach when its acceptance
	// rate is below this fraction.
	ReachAcceptanceBelow float64

	// SafetyAcceptanceAbove is the acceptance-rate floor for a Safety
	// label; the student's stats must also sit at or above the 75th
	// percentile.
	SafetyAcceptanceAbove float64

	InStateBonus    float64
	NeedBlindBonus  float64
	CampusVibeBonus float64
	AthleteBonus    float64
	LegacyBonus     float64
}

// DefaultConfig returns the standard scoring constants.
func DefaultConfig() Config {
	return Config{
		ReachAcceptanceBelow:  0.15,
		SafetyAcceptanceAbove: 0.35,
		InStateBonus:          15,
		NeedBlindBonus:        10,
		CampusVibeBonus:       5,
		AthleteBonus:          5,
		LegacyBonus:           5,
	}
}

// Scorer scores institutions for a student profile.
type Scorer struct {
	cfg Config
}

// NewScorer creates a Scorer with the given constants.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score produces a MatchResult for one institution. It never fails:
// missing statistics contribute neutrally instead of erroring.
func (s *Scorer) Score(p model.StudentProfile, r model.InstitutionRecord) model.MatchResult {
	pct := percentilePosition(p, r)
	label := s.classify(r.AcceptanceRate, pct)

	return model.MatchResult{
		Name:                 r.Name,
		Label:                label,
		MatchScore:           s.matchScore(p, r, pct),
		AdmissionProbability: admissionProbability(p, r, pct),
		Reasoning:            s.reasoning(p, r, label, pct),
		FinancialAidSummary:  financialAidSummary(p, r),
	}
}

// classify assigns the label, evaluated in priority order: Reach rules
// first, then Safety, defaulting to Target. A missing axis never forces
// an error; it simply cannot trigger its rule.
func (s *Scorer) classify(acceptanceRate *float64, pct *float64) model.Label {
	if acceptanceRate != nil && *acceptanceRate < s.cfg.ReachAcceptanceBelow {
		return model.LabelReach
	}
	if pct != nil && *pct < 25 {
		return model.LabelReach
	}
	if acceptanceRate != nil && *acceptanceRate > s.cfg.SafetyAcceptanceAbove &&
		pct != nil && *pct >= 75 {
		return model.LabelSafety
	}
	return model.LabelTarget
}

// matchScore maps the student's percentile position to a base score and
// applies the configured bonuses, clamped to [0, 100].
func (s *Scorer) matchScore(p model.StudentProfile, r model.InstitutionRecord, pct *float64) float64 {
	// Base from fit proximity: at the institutional average (50th
	// percentile) the base is 60; each percentile point above or below
	// moves it by 0.4. Missing stats sit at the neutral 60.
	base := 60.0
	if pct != nil {
		base = 40 + *pct*0.4
	}

	if inState(p, r) {
		base += s.cfg.InStateBonus
	}
	if r.NeedBlindFor(effectiveNationality(p)) {
		base += s.cfg.NeedBlindBonus
	}
	if p.CampusVibe != "" && strings.EqualFold(p.CampusVibe, r.CampusSetting) {
		base += s.cfg.CampusVibeBonus
	}
	if p.IsStudentAthlete {
		base += s.cfg.AthleteBonus
	}
	if p.HasLegacyStatus {
		base += s.cfg.LegacyBonus
	}

	return clamp(base, 0, 100)
}

// admissionProbability estimates the chance of admission (5-95). Base is
// the acceptance rate; the student's percentile position and special
// circumstances shift it.
func admissionProbability(p model.StudentProfile, r model.InstitutionRecord, pct *float64) float64 {
	base := 50.0
	if r.AcceptanceRate != nil {
		base = *r.AcceptanceRate * 100
	}

	if pct != nil {
		switch {
		case *pct >= 75:
			base += 30 + (*pct-75)*0.5
		case *pct >= 50:
			base += 15 + (*pct-50)*0.6
		case *pct >= 25:
			base += (*pct - 25) * 0.6
		default:
			base += -20 - (25-*pct)*0.5
		}
	}

	if p.HasLegacyStatus {
		base = math.Min(95, base+12)
	}
	if p.IsStudentAthlete {
		base = math.Min(95, base+8)
	}
	if p.IsFirstGen {
		base = math.Min(95, base+3)
	}

	return clamp(base, 5, 95)
}

// percentilePosition estimates where the student sits relative to the
// institution's admitted class, on a 0-100 scale (25 = at the 25th
// percentile, 75 = at the 75th). Returns nil when neither test-score
// ranges nor GPA data are available. GPA is weighted 55%, tests 45%.
func percentilePosition(p model.StudentProfile, r model.InstitutionRecord) *float64 {
	var positions []float64

	if r.AvgGPA != nil && p.GPA > 0 {
		// Z-score against an assumed admitted-class std dev of 0.12.
		z := (p.GPA - *r.AvgGPA) / 0.12
		positions = append(positions, clamp(50+z*34, 0, 100))
	}

	if sat := studentSAT(p); sat != nil && r.SAT25th != nil && r.SAT75th != nil && *r.SAT75th > *r.SAT25th {
		positions = append(positions, satPercentile(float64(*sat), float64(*r.SAT25th), float64(*r.SAT75th)))
	}

	switch len(positions) {
	case 0:
		return nil
	case 2:
		v := positions[0]*0.55 + positions[1]*0.45
		return &v
	default:
		return &positions[0]
	}
}

// satPercentile maps a SAT score onto the 0-100 position scale using the
// institution's 25th/75th percentile range.
func satPercentile(sat, p25, p75 float64) float64 {
	mid := (p25 + p75) / 2
	switch {
	case sat <= p25:
		return clamp(25-(p25-sat)/5, 0, 100)
	case sat >= p75:
		return clamp(75+(sat-p75)/5, 0, 100)
	case sat <= mid:
		return 25 + (sat-p25)/(mid-p25)*25
	default:
		return 50 + (sat-mid)/(p75-mid)*25
	}
}

// studentSAT returns the student's SAT score, converting from ACT when
// only an ACT score is present.
func studentSAT(p model.StudentProfile) *int {
	if p.SATScore != nil {
		return p.SATScore
	}
	if p.ACTScore != nil {
		sat := actToSAT(*p.ACTScore)
		return &sat
	}
	return nil
}

var actToSATTable = map[int]int{
	36: 1600, 35: 1560, 34: 1520, 33: 1490,
	32: 1450, 31: 1420, 30: 1390, 29: 1350,
	28: 1310, 27: 1280, 26: 1240, 25: 1210,
	24: 1180, 23: 1140, 22: 1110, 21: 1080,
	20: 1040, 19: 1010, 18: 970, 17: 930,
	16: 890, 15: 850, 14: 800, 13: 760,
}

func actToSAT(act int) int {
	if sat, ok := actToSATTable[act]; ok {
		return sat
	}
	return 400 + act*40
}

// inState reports whether a domestic student's state of residence matches
// the institution's state.
func inState(p model.StudentProfile, r model.InstitutionRecord) bool {
	return p.IsDomestic() &&
		p.StateOfResidence != "" && r.State != "" &&
		strings.EqualFold(p.StateOfResidence, r.State)
}

// effectiveNationality resolves the nationality used for financial-aid
// policy lookups. Domestic students count as United States applicants.
func effectiveNationality(p model.StudentProfile) string {
	if p.IsDomestic() {
		return "United States"
	}
	return strings.TrimSpace(p.Nationality)
}

func (s *Scorer) reasoning(p model.StudentProfile, r model.InstitutionRecord, label model.Label, pct *float64) string {
	var parts []string

	if r.AcceptanceRate != nil {
		parts = append(parts, fmt.Sprintf("acceptance rate %.0f%%", *r.AcceptanceRate*100))
	} else {
		parts = append(parts, "acceptance rate unavailable")
	}

	switch {
	case pct == nil:
		parts = append(parts, "no comparable test-score or GPA data")
	case *pct < 25:
		parts = append(parts, "your stats fall below the typical admitted range")
	case *pct >= 75:
		parts = append(parts, "your stats sit at or above the 75th percentile of admits")
	default:
		parts = append(parts, "your stats align with the middle of the admitted range")
	}

	if inState(p, r) {
		parts = append(parts, fmt.Sprintf("in-state advantage in %s", strings.ToUpper(r.State)))
	}
	if p.CampusVibe != "" && strings.EqualFold(p.CampusVibe, r.CampusSetting) {
		parts = append(parts, fmt.Sprintf("matches your %s campus preference", strings.ToLower(p.CampusVibe)))
	}

	return fmt.Sprintf("%s: %s.", label, strings.Join(parts, "; "))
}

// financialAidSummary states the institution's aid policy for this
// student's nationality specifically. An unknown policy is reported as
// unverified, never assumed need-blind.
func financialAidSummary(p model.StudentProfile, r model.InstitutionRecord) string {
	var b strings.Builder

	if p.IsDomestic() {
		switch {
		case r.NeedBlindFor("United States"):
			b.WriteString("Need-blind for domestic applicants")
		case r.NeedAwareFor("United States"):
			b.WriteString("Need-aware for domestic applicants")
		default:
			b.WriteString("Aid policy for domestic applicants is unverified")
		}
		if inState(p, r) && r.TuitionInState != nil {
			fmt.Fprintf(&b, "; in-state tuition $%d/yr", *r.TuitionInState)
		} else if r.TuitionOutOfState != nil {
			fmt.Fprintf(&b, "; out-of-state tuition $%d/yr", *r.TuitionOutOfState)
		}
	} else {
		nat := effectiveNationality(p)
		if nat == "" {
			nat = "international"
		}
		switch {
		case r.NeedBlindFor(nat):
			fmt.Fprintf(&b, "Need-blind for applicants from %s", nat)
		case r.NeedAwareFor(nat):
			fmt.Fprintf(&b, "Need-aware for applicants from %s (ability to pay is considered)", nat)
		default:
			fmt.Fprintf(&b, "Aid policy for applicants from %s is unverified", nat)
		}
		if r.TuitionInternational != nil {
			fmt.Fprintf(&b, "; international tuition $%d/yr", *r.TuitionInternational)
		}
	}

	if r.MeetsFullNeed {
		b.WriteString("; meets 100% of demonstrated need")
	}
	b.WriteString(".")
	return b.String()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
