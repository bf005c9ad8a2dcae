package store

import (
	"fmt"
	"time"

	"github.com/omgasolutions/omrcam/internal/model"
)

// ExportHistory builds the export document for every stored grading.
func (s *Store) ExportHistory() (model.HistoryExport, error) {
	records, err := s.ListResults(0)
	if err != nil {
		return model.HistoryExport{}, fmt.Errorf("list results: %w", err)
	}
	return model.NewHistoryExport(records, time.Now().UTC()), nil
}
