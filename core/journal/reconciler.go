package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// ReceiptSource looks up a receipt once. A nil receipt means not mined yet.
type ReceiptSource interface {
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error)
}

// Reconciler resolves pending entries whose receipt was never awaited, e.g.
// because the process stopped while waiting.
type Reconciler struct {
	journal  *Journal
	source   ReceiptSource
	interval time.Duration
	// MaxAge after which a pending entry without receipt is marked failed
	MaxAge time.Duration

	scheduler gocron.Scheduler
	logger    logger.Logger
	metrics   *metrics.WalletMetrics
	now       func() time.Time

	// OnResolved is called for every entry the reconciler finishes
	OnResolved func(ctx context.Context, e *Entry, receipt *userop.Receipt)
}

func NewReconciler(j *Journal, source ReceiptSource, interval time.Duration, log logger.Logger, m *metrics.WalletMetrics) (*Reconciler, error) {
	if j == nil || source == nil {
		return nil, errors.New("journal and receipt source are required")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	return &Reconciler{
		journal:   j,
		source:    source,
		interval:  interval,
		MaxAge:    time.Hour,
		scheduler: scheduler,
		logger:    logger.Component(log, "reconciler"),
		metrics:   m,
		now:       time.Now,
	}, nil
}

// Start runs a pass every interval until Stop.
func (r *Reconciler) Start() error {
	_, err := r.scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			defer cancel()
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("reconcile pass failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create reconcile job: %w", err)
	}
	r.scheduler.Start()
	return nil
}

func (r *Reconciler) Stop() error {
	return r.scheduler.Shutdown()
}

// RunOnce checks every pending entry and returns how many were resolved.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.journal.Pending()
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, e := range pending {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}

		receipt, err := r.source.GetUserOperationReceipt(ctx, e.UserOpHash)
		if err != nil {
			r.logger.Warn("receipt lookup failed", "id", e.ID, "userOpHash", e.UserOpHash.Hex(), "error", err)
			continue
		}

		var done *Entry
		switch {
		case receipt != nil:
			done, err = r.journal.Resolve(e.ID, receipt)
		case r.now().Sub(e.CreatedAt) > r.MaxAge:
			done, err = r.journal.Fail(e.ID, "no receipt after "+r.MaxAge.String())
		default:
			continue
		}
		if errors.Is(err, ErrAlreadyDone) {
			// the wallet got the receipt first
			continue
		}
		if err != nil {
			return resolved, err
		}

		resolved++
		r.metrics.IncReconciled(string(done.Status))
		if r.OnResolved != nil {
			r.OnResolved(ctx, done, receipt)
		}
	}

	if n, err := r.journal.CountPending(); err == nil {
		r.metrics.SetPending(int(n))
	}
	return resolved, nil
}
