package chaos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"libradmin/internal/accounts"
	"libradmin/internal/fines"
)

// Target is the system an experiment runs against.
type Target struct {
	DB       *sql.DB
	Accounts accounts.Service
	Fines    fines.Service
	Rules    fines.RulesSource
}

// Experiments returns the standard game day, each experiment firing concurrency requests at
// once.
func Experiments(t Target, concurrency int) []Experiment {
	return []Experiment{
		AdminCeilingExperiment(t, concurrency),
		LossThresholdExperiment(t, concurrency),
	}
}

// ActiveAdmins counts ACTIVE administrators; the ceiling is 2.
func ActiveAdmins(db *sql.DB) Probe {
	return Probe{
		Name: "active_admins",
		Query: func(ctx context.Context) (float64, error) {
			var n int
			err := db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM users WHERE role = 'ADMIN' AND status = 'ACTIVE'`,
			).Scan(&n)
			return float64(n), err
		},
		Threshold: Threshold{Operator: "<=", Value: 2},
	}
}

// UnblockedLosers counts ACTIVE readers at or over the loss threshold, which must be none.
func UnblockedLosers(db *sql.DB, rules fines.RulesSource) Probe {
	return Probe{
		Name: "unblocked_over_threshold",
		Query: func(ctx context.Context) (float64, error) {
			snap, err := rules.Current(ctx)
			if err != nil {
				return 0, err
			}
			var n int
			err = db.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM users
				WHERE role = 'READER' AND status = 'ACTIVE' AND lost_materials >= $1
			`, snap.Rules.LostMaterialsBlockThreshold).Scan(&n)
			return float64(n), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// PendingDrift counts users whose pending counter disagrees with their PENDING fines.
func PendingDrift(db *sql.DB) Probe {
	return Probe{
		Name: "pending_counter_drift",
		Query: func(ctx context.Context) (float64, error) {
			var n int
			err := db.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM users u
				WHERE u.pending_fines <> (
					SELECT COUNT(*) FROM fines f WHERE f.user_id = u.id AND f.status = 'PENDING'
				)
			`).Scan(&n)
			return float64(n), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func chaosEmail(run uuid.UUID, i int) string {
	return fmt.Sprintf("chaos-%s-%d@chaos.test", run.String()[:8], i)
}

// AdminCeilingExperiment promotes concurrency librarians to ADMIN at the same time.
func AdminCeilingExperiment(t Target, concurrency int) Experiment {
	run := uuid.New()
	var (
		mu     sync.Mutex
		seeded []uuid.UUID
	)

	return Experiment{
		Name:        "concurrent-admin-promotions",
		Hypothesis:  "No more than 2 administrators are ever active, however many promotions race",
		SteadyState: []Probe{ActiveAdmins(t.DB)},
		Method: []Action{
			{
				Name: "seed-librarians",
				Execute: func(ctx context.Context) error {
					for i := range concurrency {
						res, err := t.Accounts.Create(ctx, accounts.Draft{
							Name:  fmt.Sprintf("Chaos Librarian %d", i),
							Email: chaosEmail(run, i),
							Role:  string(accounts.RoleLibrarian),
						})
						if err != nil {
							return fmt.Errorf("seed librarian %d: %w", i, err)
						}
						mu.Lock()
						seeded = append(seeded, res.User.ID)
						mu.Unlock()
					}
					return nil
				},
			},
			{
				Name: "concurrent-promotions",
				Execute: func(ctx context.Context) error {
					mu.Lock()
					ids := append([]uuid.UUID(nil), seeded...)
					mu.Unlock()

					var promoted atomic.Int64
					errs := race(len(ids), func(i int) error {
						_, err := t.Accounts.Update(ctx, ids[i], accounts.Changes{Role: string(accounts.RoleAdmin)})
						switch {
						case err == nil:
							promoted.Add(1)
							return nil
						case errors.Is(err, accounts.ErrAdminLimitReached):
							return nil
						default:
							return err
						}
					})
					if errs != nil {
						return fmt.Errorf("%d promoted: %w", promoted.Load(), errs)
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Name: "delete-seeded-users",
				Execute: func(ctx context.Context) error {
					mu.Lock()
					defer mu.Unlock()
					return deleteUsers(ctx, t.Accounts, seeded)
				},
			},
		},
		Validation: []Assertion{
			{
				Probe:     "active_admins",
				Condition: func(v float64) bool { return v <= 2 },
				Message:   "at most 2 active administrators",
			},
		},
	}
}

// LossThresholdExperiment issues concurrency LOSS fines to one reader at the same time.
func LossThresholdExperiment(t Target, concurrency int) Experiment {
	run := uuid.New()
	var (
		readerID   uuid.UUID
		materialID = uuid.New()
	)

	return Experiment{
		Name:        "concurrent-loss-fines",
		Hypothesis:  "A reader reaching the loss threshold is blocked even when the fines race",
		SteadyState: []Probe{UnblockedLosers(t.DB, t.Rules), PendingDrift(t.DB)},
		Method: []Action{
			{
				Name: "seed-reader-and-material",
				Execute: func(ctx context.Context) error {
					res, err := t.Accounts.Create(ctx, accounts.Draft{
						Name:  "Chaos Reader",
						Email: chaosEmail(run, 0),
						Role:  string(accounts.RoleReader),
					})
					if err != nil {
						return fmt.Errorf("seed reader: %w", err)
					}
					readerID = res.User.ID
					if _, err := t.DB.ExecContext(ctx,
						`INSERT INTO materials (id, title, author, value) VALUES ($1, $2, $3, $4)`,
						materialID, "Chaos Copy", "Game Day", 2000,
					); err != nil {
						return fmt.Errorf("seed material: %w", err)
					}
					return nil
				},
			},
			{
				Name: "concurrent-loss-fines",
				Execute: func(ctx context.Context) error {
					snap, err := t.Rules.Current(ctx)
					if err != nil {
						return err
					}
					return race(concurrency, func(int) error {
						_, err := t.Fines.Issue(ctx, fines.IssueRequest{
							UserID:     readerID,
							MaterialID: materialID,
							Kind:       string(fines.KindLoss),
							Amount:     snap.Rules.DamageFineMin,
						})
						if err == nil || errors.Is(err, fines.ErrInvalidDebtor) {
							return nil
						}
						return err
					})
				},
			},
		},
		Rollback: []Action{
			{
				Name: "delete-reader",
				Execute: func(ctx context.Context) error {
					if readerID == uuid.Nil {
						return nil
					}
					return deleteUsers(ctx, t.Accounts, []uuid.UUID{readerID})
				},
			},
			{
				Name: "delete-material",
				Execute: func(ctx context.Context) error {
					_, err := t.DB.ExecContext(ctx, `DELETE FROM materials WHERE id = $1`, materialID)
					return err
				},
			},
		},
		Validation: []Assertion{
			{
				Probe:     "unblocked_over_threshold",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "every reader at the loss threshold is blocked",
			},
			{
				Probe:     "pending_counter_drift",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "pending fine counters match the ledger",
			},
		},
	}
}

// race starts n calls of fn behind one barrier and joins their errors.
func race(n int, fn func(i int) error) error {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, n)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = fn(i)
		}()
	}
	close(start)
	wg.Wait()
	return errors.Join(errs...)
}

func deleteUsers(ctx context.Context, svc accounts.Service, ids []uuid.UUID) error {
	var errs []error
	for _, id := range ids {
		if err := svc.Delete(ctx, id); err != nil && !errors.Is(err, accounts.ErrUserNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
