package service

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/medledger/medledger/internal/domain/addressbook"
	"github.com/medledger/medledger/internal/platform/auth"
)

// statsConcurrency bounds the per-patient ledger reads in Stats.
const statsConcurrency = 8

// Stats is the admin dashboard summary.
type Stats struct {
	Doctors             int            `json:"doctors"`
	Patients            int            `json:"patients"`
	TotalRecords        int            `json:"total_records"`
	ActiveRecords       int            `json:"active_records"`
	AvgRecordsPerDoctor float64        `json:"avg_records_per_doctor"`
	RecordsByDoctor     map[string]int `json:"records_by_doctor"`
	RecentActivity      []string       `json:"recent_activity"`
}

// Stats aggregates registry and record counts. Admin only.
func (s *RecordService) Stats(ctx context.Context, sess *auth.Session) (*Stats, error) {
	sess, err := session(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := requireRole(sess, auth.RoleAdmin); err != nil {
		return nil, err
	}

	doctors, err := s.book.List(ctx, addressbook.RoleDoctor)
	if err != nil {
		return nil, err
	}
	patients, err := s.book.List(ctx, addressbook.RolePatient)
	if err != nil {
		return nil, err
	}

	out := &Stats{
		Doctors:         len(doctors),
		Patients:        len(patients),
		RecordsByDoctor: make(map[string]int, len(doctors)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)
	for _, p := range patients {
		patient := p.Address
		g.Go(func() error {
			all, err := s.records.ListForPatient(gctx, patient)
			if err != nil {
				return err
			}
			active, err := s.records.ListActive(gctx, patient)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			out.TotalRecords += len(all)
			out.ActiveRecords += len(active)
			for _, r := range all {
				out.RecordsByDoctor[r.AuthorDoctor]++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(doctors) > 0 {
		out.AvgRecordsPerDoctor = float64(out.TotalRecords) / float64(len(doctors))
	}

	out.RecentActivity, err = s.RecentActivity(ctx, sess)
	if err != nil {
		return nil, err
	}
	return out, nil
}
