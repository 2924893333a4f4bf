package bootstrap

// Outcome is how far an init-runtime command got.
type Outcome uint8

const (
	OutcomeStarted Outcome = iota
	OutcomeEngineScriptsFailed
	OutcomeProjectScriptsFailed
	OutcomeEventScriptsMissing
	OutcomeRuntimeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStarted:
		return "started"
	case OutcomeEngineScriptsFailed:
		return "engine scripts failed"
	case OutcomeProjectScriptsFailed:
		return "project scripts failed"
	case OutcomeEventScriptsMissing:
		return "event scripts missing"
	case OutcomeRuntimeFailed:
		return "runtime failed"
	default:
		return "unknown"
	}
}

// Result describes a handled command. Err is the load or runtime error that
// stopped initialisation, Alert the message posted to the controller, if any.
type Result struct {
	Outcome Outcome
	Err     error
	Alert   string
}

// OK reports whether the runtime was created and initialised.
func (r Result) OK() bool {
	return r.Outcome == OutcomeStarted && r.Err == nil
}
