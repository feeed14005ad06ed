// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package progress

import "time"

// roundDuration keeps 3 significant digits of d: 1.234567ms is printed as "1.23ms" and 1m30.04s as "1m30s".
func roundDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	unit := time.Duration(1)
	for d/unit >= 1000 {
		unit *= 10
	}
	return d.Round(unit)
}

// remainingTime formats the estimated time to run the remaining iterations, at stepDuration each.
// It is empty until a step duration was measured.
func remainingTime(remaining int, stepDuration time.Duration) string {
	if stepDuration <= 0 {
		return ""
	}
	if remaining <= 0 {
		return "done"
	}
	return "~" + roundDuration(time.Duration(remaining)*stepDuration).String()
}
