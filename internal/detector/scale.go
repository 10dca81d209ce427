package detector

// ScaleForMode promotes each detection by the sensitivity's band steps,
// capped at critical. A promoted score is lifted to the new band's floor;
// scores already inside or above it are kept. Severity never decreases.
func ScaleForMode(detections []Detection, sensitivity Sensitivity) []Detection {
	if detections == nil {
		return nil
	}
	steps := sensitivity.Steps()
	out := make([]Detection, len(detections))
	for i, det := range detections {
		det.Indicators = append([]string(nil), det.Indicators...)
		target := det.Severity + Severity(steps)
		if target > SeverityCritical {
			target = SeverityCritical
		}
		if target > det.Severity {
			det.Severity = target
			if det.Score < target.Floor() {
				det.Score = target.Floor()
			}
		}
		out[i] = det
	}
	return out
}

// MaxSeverity returns the highest severity among detections and whether
// there were any.
func MaxSeverity(detections []Detection) (Severity, bool) {
	if len(detections) == 0 {
		return SeverityLow, false
	}
	max := detections[0].Severity
	for _, det := range detections[1:] {
		if det.Severity > max {
			max = det.Severity
		}
	}
	return max, true
}

// HasCritical reports whether any detection reached critical.
func HasCritical(detections []Detection) bool {
	sev, ok := MaxSeverity(detections)
	return ok && sev == SeverityCritical
}
