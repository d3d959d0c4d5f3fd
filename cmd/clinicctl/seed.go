package main

import (
	"context"
	"fmt"
	"io"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var specialties = []string{
	"General Practice",
	"Cardiology",
	"Dermatology",
	"Pediatrics",
	"Gynecology",
	"Orthopedics",
	"Neurology",
	"Ophthalmology",
	"Psychiatry",
	"ENT",
}

func seedCmd() *cobra.Command {
	var doctors, patients int
	var seed uint64

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert fake doctors and patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			faker := gofakeit.New(seed)
			out := cmd.OutOrStdout()

			if err := seedDoctors(ctx, pool, faker, doctors, out); err != nil {
				return fmt.Errorf("seed doctors: %w", err)
			}
			if err := seedPatients(ctx, pool, faker, patients, out); err != nil {
				return fmt.Errorf("seed patients: %w", err)
			}

			fmt.Fprintln(out, "seed complete")
			return nil
		},
	}

	cmd.Flags().IntVar(&doctors, "doctors", 20, "number of doctors to create")
	cmd.Flags().IntVar(&patients, "patients", 2000, "number of patients to create")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "faker seed, 0 for random")
	return cmd
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, out io.Writer) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		spec := specialties[faker.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, uuid.New(), "Dr. "+faker.Name(), spec)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "doctors seeded: %d\n", count)
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, out io.Writer) error {
	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, uuid.New(), faker.Name(), faker.Email(), faker.Phone())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		fmt.Fprintf(out, "patients seeded: %d/%d\n", end, count)
	}

	return nil
}
