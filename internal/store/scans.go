package store

import (
	"context"
	"fmt"

	"github.com/ashita-ai/torii/internal/backend"
	"github.com/ashita-ai/torii/internal/model"
)

// PutScan creates or updates a security scan record keyed by scan id.
// Scan records outlive their entity; deletion never cascades here.
func (s *Store) PutScan(ctx context.Context, ns string, scan model.SecurityScanRecord) error {
	rec, err := backend.Encode(scan)
	if err != nil {
		return err
	}
	return s.driver.Put(ctx, backend.ScansCollection(ns), scan.ScanID.String(), rec)
}

// GetScan fetches a scan record by id.
func (s *Store) GetScan(ctx context.Context, ns, scanID string) (model.SecurityScanRecord, error) {
	rec, err := s.driver.Get(ctx, backend.ScansCollection(ns), scanID)
	if err != nil {
		return model.SecurityScanRecord{}, err
	}
	var scan model.SecurityScanRecord
	if err := backend.Decode(rec, &scan); err != nil {
		return model.SecurityScanRecord{}, err
	}
	return scan, nil
}

// ScansForEntity returns every scan recorded against a path, newest first.
func (s *Store) ScansForEntity(ctx context.Context, ns, path string) ([]model.SecurityScanRecord, error) {
	recs, err := s.driver.List(ctx, backend.ScansCollection(ns), backend.Query{
		Filter: backend.Filter{{Field: "entity_path", Op: backend.OpEq, Value: path}},
		Sort:   &backend.Sort{Field: "created_at", Desc: true},
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.SecurityScanRecord, 0, len(recs))
	for _, rec := range recs {
		var scan model.SecurityScanRecord
		if err := backend.Decode(rec, &scan); err != nil {
			return nil, fmt.Errorf("store: decode scan: %w", err)
		}
		out = append(out, scan)
	}
	return out, nil
}
