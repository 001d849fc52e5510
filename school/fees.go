package school

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// FEE CALCULATOR - Pure (status, attributes) -> fee
// =============================================================================

// FeeSchedule is the fee policy loaded at boot. It has no state and never
// performs I/O.
type FeeSchedule struct {
	Absent             decimal.Decimal `yaml:"absent" json:"absent"`
	MedicalAbsence     decimal.Decimal `yaml:"medicalAbsence" json:"medicalAbsence"`
	Holiday            decimal.Decimal `yaml:"holiday" json:"holiday"`
	Present            decimal.Decimal `yaml:"present" json:"present"`
	SingleAttribute    decimal.Decimal `yaml:"singleAttribute" json:"singleAttribute"`
	MultipleAttributes decimal.Decimal `yaml:"multipleAttributes" json:"multipleAttributes"`
}

// DefaultFeeSchedule is the studio's standard policy.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		Absent:             decimal.NewFromInt(5),
		MedicalAbsence:     decimal.Zero,
		Holiday:            decimal.Zero,
		Present:            decimal.Zero,
		SingleAttribute:    decimal.NewFromInt(1),
		MultipleAttributes: decimal.NewFromInt(2),
	}
}

// Validate rejects negative fees, which would break the non-negative
// feeCharged invariant, and a non-zero holiday fee.
func (f FeeSchedule) Validate() error {
	const op = "fees.validate"
	for name, v := range map[string]decimal.Decimal{
		"absent":             f.Absent,
		"medicalAbsence":     f.MedicalAbsence,
		"present":            f.Present,
		"singleAttribute":    f.SingleAttribute,
		"multipleAttributes": f.MultipleAttributes,
	} {
		if v.IsNegative() {
			return inconsistent(op, "fee %s is negative (%s)", name, v)
		}
	}
	if !f.Holiday.IsZero() {
		return inconsistent(op, "holiday fee must be zero, got %s", f.Holiday)
	}
	return nil
}

// Fee returns the charge for a mark. Attributes only matter when present.
func (f FeeSchedule) Fee(status Status, attrs AttributeSet) decimal.Decimal {
	switch status {
	case StatusAbsent:
		return f.Absent
	case StatusMedicalAbsence:
		return f.MedicalAbsence
	case StatusHoliday:
		return decimal.Zero
	case StatusPresent:
		n := 0
		for _, a := range []Attribute{AttributeLate, AttributeNoShoes, AttributeNotInUniform} {
			if attrs.Has(a) {
				n++
			}
		}
		switch {
		case n == 0:
			return f.Present
		case n == 1:
			return f.SingleAttribute
		default:
			return f.MultipleAttributes
		}
	}
	return decimal.Zero
}
