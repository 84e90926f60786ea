package dispatch

import (
	"context"
	"errors"
	"time"
)

type SweepReport struct {
	Expired int `json:"expired"`
	Reaped  int `json:"reaped"`
}

// Sweep expires requested rides whose deadline passed without the timer
// firing, and closes pending notifications of rides that are already
// resolved. It bounds how long any notification can stay pending.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	var errs []error

	overdue, err := e.Store.ListOverdueRides(ctx, e.now())
	if err != nil {
		return rep, err
	}
	for _, id := range overdue {
		err := e.expire(ctx, id, "sweep")
		switch {
		case err == nil:
			rep.Expired++
		case errors.Is(err, ErrConflict):
		default:
			errs = append(errs, err)
		}
	}

	orphans, err := e.Store.ListOrphanedRides(ctx)
	if err != nil {
		return rep, errors.Join(append(errs, err)...)
	}
	for _, id := range orphans {
		if err := e.reap(ctx, id, "sweep"); err != nil {
			errs = append(errs, err)
			continue
		}
		rep.Reaped++
	}
	return rep, errors.Join(errs...)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := e.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				e.Log.Error().Err(err).Msg("sweep")
			}
			if rep.Expired > 0 || rep.Reaped > 0 {
				e.Log.Info().Int("expired", rep.Expired).Int("reaped", rep.Reaped).Msg("sweep reconciled rides")
			}
		}
	}
}

// Recover re-arms the deadline of every broadcast ride still waiting for an
// accept and settles the ones already past due. Run it once at startup.
func (e *Engine) Recover(ctx context.Context) error {
	rides, err := e.Store.ListOpenRides(ctx)
	if err != nil {
		return err
	}
	now := e.now()
	rearmed, fired := 0, 0
	for _, r := range rides {
		if now.Before(r.BroadcastDeadline) {
			if err := e.Deadlines.Schedule(ctx, r.ID, r.BroadcastDeadline); err != nil {
				return err
			}
			rearmed++
			continue
		}
		if err := e.OnDeadline(ctx, r.ID); err != nil {
			return err
		}
		fired++
	}
	e.Log.Info().Int("rearmed", rearmed).Int("fired", fired).Msg("recovered open rides")
	_, err = e.Sweep(ctx)
	return err
}
