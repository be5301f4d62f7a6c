package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
	"github.com/zulandar/medconsult/internal/auth"
	"github.com/zulandar/medconsult/internal/consult"
	"github.com/zulandar/medconsult/internal/ledger"
	"github.com/zulandar/medconsult/internal/models"
)

// operator is the principal CLI commands act as.
var operator = auth.Principal{ID: "cli:operator", Role: auth.RoleAdmin}

func newConsultationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "consultation",
		Aliases: []string{"c"},
		Short:   "Inspect and drive consultations",
	}

	cmd.AddCommand(newConsultationListCmd())
	cmd.AddCommand(newConsultationShowCmd())
	cmd.AddCommand(newConsultationCreateCmd())
	cmd.AddCommand(newConsultationAcceptCmd())
	cmd.AddCommand(newConsultationRejectCmd())
	cmd.AddCommand(newConsultationCompleteCmd())
	return cmd
}

// withApp opens the app for one command invocation.
func withApp(cmd *cobra.Command, configPath string, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func newConsultationListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		user       string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List consultations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath, func(ctx context.Context, a *app) error {
				list, err := a.ledger.ListConsultations(ctx, ledger.ConsultationFilter{
					Status: status,
					UserID: user,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No consultations found.")
					return nil
				}
				renderConsultations(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to medconsult config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (requested, active, completed, cancelled)")
	cmd.Flags().StringVar(&user, "user", "", "filter by patient or doctor id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newConsultationShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one consultation with participants and message count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath, func(ctx context.Context, a *app) error {
				c, err := a.ledger.GetConsultation(ctx, args[0])
				if err != nil {
					return err
				}
				_, total, err := a.ledger.ListMessages(ctx, c.ID, ledger.MessageFilter{Limit: 1})
				if err != nil {
					return err
				}
				printConsultation(cmd.OutOrStdout(), c, total)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to medconsult config file")
	return cmd
}

func newConsultationCreateCmd() *cobra.Command {
	var (
		configPath string
		req        consult.CreateRequest
		date       string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a requested consultation",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.Parse("2006-01-02", date)
			if err != nil {
				return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
			}
			req.ConsultationDate = d
			return withApp(cmd, configPath, func(ctx context.Context, a *app) error {
				c, err := a.coord.Create(ctx, operator, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created consultation %s (%s)\n", c.ID, c.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to medconsult config file")
	cmd.Flags().StringVar(&req.PatientID, "patient", "", "patient id (required)")
	cmd.Flags().StringVar(&req.DoctorID, "doctor", "", "doctor id (required)")
	cmd.Flags().StringVar(&date, "date", "", "consultation date, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&req.DiseaseName, "disease", "", "predicted disease")
	cmd.Flags().StringVar(&req.Specialization, "specialization", "", "doctor specialization")
	cmd.Flags().StringVar(&req.Note, "note", "", "free-text note")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("doctor")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func newConsultationAcceptCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a requested consultation on behalf of its assigned doctor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath, func(ctx context.Context, a *app) error {
				c, err := a.ledger.GetConsultation(ctx, args[0])
				if err != nil {
					return err
				}
				doctor := auth.Principal{ID: c.DoctorID, Role: auth.RoleDoctor}
				c, err = a.coord.Accept(ctx, c.ID, doctor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Consultation %s is %s\n", c.ID, colorStatus(c.Status))
				warnLocalBroker(cmd, a)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to medconsult config file")
	return cmd
}

func newConsultationRejectCmd() *cobra.Command {
	var (
		configPath string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Cancel a requested consultation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath, func(ctx context.Context, a *app) error {
				c, err := a.coord.Reject(ctx, args[0], operator, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Consultation %s is %s: %s\n", c.ID, colorStatus(c.Status), *c.RejectionReason)
				warnLocalBroker(cmd, a)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to medconsult config file")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func newConsultationCompleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete an active consultation that has chat history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath, func(ctx context.Context, a *app) error {
				c, err := a.coord.CompleteAs(ctx, args[0], operator)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Consultation %s is %s\n", c.ID, colorStatus(c.Status))
				warnLocalBroker(cmd, a)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to medconsult config file")
	return cmd
}

// localBrokerWarning is printed after a transition made with the in-process
// broker, whose events never leave this process.
const localBrokerWarning = "warning: broker backend is local; clients connected to a running server were not notified (set broker.backend: redis)"

func warnLocalBroker(cmd *cobra.Command, a *app) {
	if a.cfg.Broker.Backend == "redis" {
		return
	}
	fmt.Fprintln(cmd.ErrOrStderr(), color.Warn.Render(localBrokerWarning))
}

func printConsultation(w io.Writer, c *models.Consultation, messages int64) {
	fmt.Fprintf(w, "Consultation %s\n", c.ID)
	fmt.Fprintf(w, "  Status:       %s\n", colorStatus(c.Status))
	fmt.Fprintf(w, "  Patient:      %s\n", c.PatientID)
	fmt.Fprintf(w, "  Doctor:       %s\n", c.DoctorID)
	fmt.Fprintf(w, "  Date:         %s\n", c.ConsultationDate.Format("2006-01-02"))
	if c.DiseaseName != "" {
		fmt.Fprintf(w, "  Disease:      %s\n", c.DiseaseName)
	}
	if c.Specialization != "" {
		fmt.Fprintf(w, "  Specialty:    %s\n", c.Specialization)
	}
	if c.RejectionReason != nil {
		fmt.Fprintf(w, "  Reason:       %s\n", *c.RejectionReason)
	}
	if c.ArchivedAt != nil {
		fmt.Fprintf(w, "  Archived:     %s\n", c.ArchivedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  Participants: %s\n", joinOrDash(c.ParticipantIDs()))
	fmt.Fprintf(w, "  Messages:     %d\n", messages)
}
