package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
	"github.com/hackgods/clinic-token-queue/internal/config"
	"github.com/hackgods/clinic-token-queue/internal/db"
	"github.com/hackgods/clinic-token-queue/internal/logging"
	"github.com/hackgods/clinic-token-queue/internal/queue"
)

type seedOptions struct {
	providers   int
	perProvider int
	tokenRatio  float64
	date        string
}

func main() {
	opts := seedOptions{}

	rootCmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the appointment store with a day of fake clinic traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	rootCmd.Flags().IntVar(&opts.providers, "providers", 5, "number of providers")
	rootCmd.Flags().IntVar(&opts.perProvider, "per-provider", 30, "appointments per provider")
	rootCmd.Flags().Float64Var(&opts.tokenRatio, "token-ratio", 0.6, "share of appointments that get a token")
	rootCmd.Flags().StringVar(&opts.date, "date", "", "service date (YYYY-MM-DD), today when empty")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != config.StorePostgres {
		return fmt.Errorf("seed needs STORE_BACKEND=postgres, got %q", cfg.StoreBackend)
	}

	log := logging.New(cfg.Env, cfg.LogLevel)
	log.Info().Int("providers", opts.providers).Int("per_provider", opts.perProvider).Msg("seed starting")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connectCtx, cfg)
	cancel()
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	date := appointment.Today(cfg.Location())
	if opts.date != "" {
		if date, err = appointment.ParseServiceDate(opts.date); err != nil {
			return err
		}
	}

	repo := appointment.NewPgRepository(pool)
	svc := queue.NewService(repo, nil, cfg, log)

	for i := 0; i < opts.providers; i++ {
		providerID := fmt.Sprintf("dr-%s", gofakeit.LastName())
		if err := seedProvider(ctx, repo, svc, cfg.Location(), log, providerID, date, opts); err != nil {
			return fmt.Errorf("seed %s: %w", providerID, err)
		}
	}

	log.Info().Msg("seed complete")
	return nil
}

// seedProvider writes the day the way a mix of old and new desk clients
// would: timestamps, bare dates and zoned text timestamps.
func seedProvider(ctx context.Context, repo *appointment.PgRepository, svc *queue.Service, loc *time.Location, log zerolog.Logger, providerID string, date appointment.ServiceDate, opts seedOptions) error {
	day, err := time.ParseInLocation("2006-01-02", date.String(), loc)
	if err != nil {
		return err
	}

	var ids []uuid.UUID
	for i := 0; i < opts.perProvider; i++ {
		at := day.Add(8*time.Hour + time.Duration(i*10)*time.Minute)

		rec := appointment.Record{
			ID:         uuid.New(),
			ProviderID: providerID,
			Status:     string(appointment.StatusScheduled),
			Patient: appointment.PatientSummary{
				Name:    gofakeit.Name(),
				Age:     gofakeit.Number(1, 95),
				Gender:  gofakeit.Gender(),
				Contact: gofakeit.Phone(),
			},
			CreatedAt: appointment.TimeValue(time.Now().UTC()),
		}
		switch i % 3 {
		case 0:
			rec.Date = appointment.TimeValue(at)
		case 1:
			rec.Date = appointment.TextValue(date.String())
		default:
			rec.Date = appointment.TextValue(at.Format(time.RFC3339))
		}

		created, err := repo.Create(ctx, rec)
		if err != nil {
			return err
		}
		ids = append(ids, created.ID)
	}

	issued := 0
	for _, id := range ids {
		if gofakeit.Float64Range(0, 1) >= opts.tokenRatio {
			continue
		}
		if _, err := svc.IssueToken(ctx, providerID, date, id); err != nil {
			return err
		}
		issued++
	}

	log.Info().
		Str("provider_id", providerID).
		Str("date", date.String()).
		Int("appointments", len(ids)).
		Int("tokens", issued).
		Msg("provider seeded")
	return nil
}
