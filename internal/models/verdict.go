package models

// Verdict status constants returned by the judge.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

// JudgeVerdict is the semantic judge's decision about a task attempt.
// A PASS verdict is only valid together with ExitSignal.
type JudgeVerdict struct {
	Status      string     `yaml:"status" json:"status"`
	ExitSignal  bool       `yaml:"exitSignal" json:"exitSignal"`
	Reason      []string   `yaml:"reason" json:"reason"`
	NextActions []string   `yaml:"nextActions" json:"nextActions"`
	Code        ReasonCode `yaml:"code,omitempty" json:"code,omitempty"`
}

// Passed reports whether the verdict is an accepted PASS.
func (v JudgeVerdict) Passed() bool {
	return v.Status == VerdictPass && v.ExitSignal
}

// TopReason returns the first reason, or an empty string.
func (v JudgeVerdict) TopReason() string {
	if len(v.Reason) == 0 {
		return ""
	}
	return v.Reason[0]
}

// FailVerdict builds a FAIL verdict carrying a reason code and a single
// human-readable reason plus follow-up actions.
func FailVerdict(code ReasonCode, reason string, nextActions ...string) JudgeVerdict {
	return JudgeVerdict{
		Status:      VerdictFail,
		ExitSignal:  false,
		Reason:      []string{reason},
		NextActions: append([]string{}, nextActions...),
		Code:        code,
	}
}
