// Package verdict maps an execution result to a verdict.
//
// The exit status is the only signal read from the untrusted script. Stdout and
// stderr are carried along as evidence but never inspected, so nothing the
// script prints can change the outcome.
package verdict

import "github.com/sakif/vulnproof/internal/model"

// Classify is a pure function: the same result always yields the same verdict.
func Classify(res model.ExecutionResult) model.Verdict {
	evidence := res

	v := model.Verdict{
		ScanID:   res.ScanID,
		Evidence: &evidence,
		State:    model.StateDone,
	}

	switch {
	case res.Status.IsTimeout():
		v.Reason = model.ReasonTimeout
		v.Error = "Script execution timeout"
	case res.Status.IsError():
		v.Reason = model.ReasonExecutionError
		v.Error = "Script execution failed"
	default:
		if code, _ := res.Status.Code(); code == 0 {
			v.Vulnerable = true
			v.Reason = model.ReasonExitZero
		} else {
			v.Reason = model.ReasonNonzeroExit
		}
	}

	return v
}

// Failed builds the verdict for a run that ended before classification.
func Failed(scanID string, reason model.Reason, message string, evidence *model.ExecutionResult) model.Verdict {
	return model.Verdict{
		ScanID:   scanID,
		Reason:   reason,
		Evidence: evidence,
		State:    model.StateFailed,
		Error:    message,
	}
}
