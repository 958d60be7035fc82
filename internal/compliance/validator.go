package compliance

import "github.com/dj-oyu/ppe-guard/compliance-server/pkg/types"

const (
	StatusCompliant    = "COMPLIANT"
	StatusNonCompliant = "NON_COMPLIANT"
)

// Counts holds per-category detection counts for one frame.
type Counts map[Category]int

// CategoryCheck is the per-category outcome of a validation.
type CategoryCheck struct {
	Detected  int  `json:"detected"`
	Required  int  `json:"required"`
	Enforced  bool `json:"enforced"`
	Compliant bool `json:"compliant"`
}

// Result is the compliance verdict for one frame.
type Result struct {
	PersonsCount int
	Detected     Counts
	Missing      []Category
	Compliant    bool
	Checks       map[Category]CategoryCheck
}

// Status returns COMPLIANT or NON_COMPLIANT.
func (r Result) Status() string {
	if r.Compliant {
		return StatusCompliant
	}
	return StatusNonCompliant
}

// MissingNames returns the missing categories as plain strings.
func (r Result) MissingNames() []string {
	out := make([]string, 0, len(r.Missing))
	for _, c := range r.Missing {
		out = append(out, string(c))
	}
	return out
}

// CountDetections counts raw detections by canonical category.
// Labels outside the synonym table are ignored.
func CountDetections(dets []types.RawDetection) Counts {
	counts := make(Counts, len(Categories))
	for _, d := range dets {
		if c, ok := MapLabel(d.Class); ok {
			counts[c]++
		}
	}
	return counts
}

// Validate checks that every enforced category has at least one detection
// per person. With zero persons every category is trivially satisfied.
func Validate(personsCount int, dets []types.RawDetection) Result {
	counts := CountDetections(dets)

	res := Result{
		PersonsCount: personsCount,
		Detected:     counts,
		Missing:      []Category{},
		Checks:       make(map[Category]CategoryCheck, len(Categories)),
	}
	for _, c := range Categories {
		enforced := IsEnforced(c)
		ok := counts[c] >= personsCount
		res.Checks[c] = CategoryCheck{
			Detected:  counts[c],
			Required:  personsCount,
			Enforced:  enforced,
			Compliant: ok,
		}
		if enforced && !ok {
			res.Missing = append(res.Missing, c)
		}
	}
	res.Compliant = len(res.Missing) == 0
	return res
}

// CompletionRate is the share of enforced categories satisfied, in percent.
func CompletionRate(r Result) float64 {
	total := len(Enforced)
	return 100 * float64(total-len(r.Missing)) / float64(total)
}
