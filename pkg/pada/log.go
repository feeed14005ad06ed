// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pada

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Evaluation is one "iter: ..., precision: ..." line of the log file.
type Evaluation struct {
	Iteration int
	Accuracy  float64
}

// History holds the contents of a log file. A log file may hold more than one run, since it is only appended to.
type History struct {
	Evaluations []Evaluation

	// Risks holds the DEV risk estimated at the end of each run, in order.
	Risks []float64
}

// ReadLog reads the log file in the output directory dir.
func ReadLog(dir string) (*History, error) {
	path := filepath.Join(dir, LogFileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "opening log file %q: %v", path, err)
	}
	defer func() { _ = f.Close() }()
	h, err := ParseLog(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "log file %q", path)
	}
	return h, nil
}

// ParseLog parses the lines written by Trainer.Run. Unknown lines are an error.
func ParseLog(r io.Reader) (*History, error) {
	h := &History{}
	scanner := bufio.NewScanner(r)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Evaluation
		var risk float64
		if _, err := fmt.Sscanf(line, "iter: %d, precision: %g", &e.Iteration, &e.Accuracy); err == nil {
			h.Evaluations = append(h.Evaluations, e)
		} else if _, err := fmt.Sscanf(line, "dev risk: %g", &risk); err == nil {
			h.Risks = append(h.Risks, risk)
		} else {
			return nil, errors.Errorf("line %d: unknown log line %q", lineNum, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(ErrIO, "reading log: %v", err)
	}
	return h, nil
}
