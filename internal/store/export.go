package store

import (
	"fmt"
)

// ExportRuns builds full run records, newest first, including the per-source
// reports of each run.
func (j *Journal) ExportRuns(limit int) ([]Run, error) {
	runs, err := j.ListRuns(limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	for i := range runs {
		reports, err := j.sourceReports(runs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("get run %s: %w", runs[i].ID, err)
		}
		runs[i].Summary.Sources = reports
	}
	return runs, nil
}
