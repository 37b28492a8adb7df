package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/coldtrace/internal/record"
)

// FacilityOptions holds flags for the facility set command.
type FacilityOptions struct {
	*RootOptions
	Name          string
	Location      string
	Type          string
	Certification string
	CertFrom      string
	CertUntil     string
	Backup        bool
}

// NewFacilityCommand creates the facility command and its subcommands.
func NewFacilityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facility",
		Short: "Manage the facility registry",
		Long: `Register facilities and list the registry.

Facility-type rules apply to a facility through its type, and readings
taken outside its certification window produce deviations flagged as
certification lapsed. Facilities declared in the threshold file are
registered when the file is loaded.`,
	}
	cmd.AddCommand(newFacilitySetCommand(rootOpts))
	cmd.AddCommand(newFacilityListCommand(rootOpts))
	return cmd
}

func newFacilitySetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FacilityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set <facility-id>",
		Short: "Register or update a facility",
		Example: `  coldtrace facility set depot-north --name "North Depot" --type vaccine \
      --cert-from 2026-01-01T00:00:00Z --cert-until 2027-01-01T00:00:00Z --backup`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFacilitySet(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Location, "location", "", "site location")
	cmd.Flags().StringVar(&opts.Type, "type", "", "facility type, e.g. vaccine")
	cmd.Flags().StringVar(&opts.Certification, "cert-status", "", "certification status")
	cmd.Flags().StringVar(&opts.CertFrom, "cert-from", "", "certified from, RFC 3339")
	cmd.Flags().StringVar(&opts.CertUntil, "cert-until", "", "certified until, RFC 3339")
	cmd.Flags().BoolVar(&opts.Backup, "backup", false, "facility has backup refrigeration")

	return cmd
}

func runFacilitySet(opts *FacilityOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	f := record.Facility{
		ID:                  id,
		Name:                opts.Name,
		Location:            opts.Location,
		Type:                opts.Type,
		CertificationStatus: opts.Certification,
		BackupSystems:       opts.Backup,
	}
	for _, bound := range []struct {
		flag  string
		value string
		dst   **time.Time
	}{
		{"--cert-from", opts.CertFrom, &f.CertifiedFrom},
		{"--cert-until", opts.CertUntil, &f.CertifiedUntil},
	} {
		t, err := parseOptionalTime(bound.flag, bound.value)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid certification window", err)
		}
		if !t.IsZero() {
			*bound.dst = &t
		}
	}

	ctx := context.Background()
	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if err := a.engine.UpsertFacility(ctx, f); err != nil {
		return formatter.Fail("failed to register facility", err)
	}
	return formatter.Render(f, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Facility %s registered\n", f.ID)
	})
}

func newFacilityListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List registered facilities",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			ctx := context.Background()

			a, err := openApp(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			facilities, err := a.store.ListFacilities(ctx)
			if err != nil {
				return formatter.Fail("failed to list facilities", err)
			}
			return formatter.Render(facilities, func(w io.Writer) {
				if len(facilities) == 0 {
					fmt.Fprintln(w, "No facilities registered.")
					return
				}
				for _, f := range facilities {
					fmt.Fprintf(w, "%s  %s  type=%s  certified=%s\n",
						f.ID, f.Name, f.Type, certWindow(f))
				}
			})
		},
	}
}

func certWindow(f record.Facility) string {
	if f.CertifiedFrom == nil && f.CertifiedUntil == nil {
		return "always"
	}
	from, until := "-", "-"
	if f.CertifiedFrom != nil {
		from = f.CertifiedFrom.Format(time.DateOnly)
	}
	if f.CertifiedUntil != nil {
		until = f.CertifiedUntil.Format(time.DateOnly)
	}
	return from + ".." + until
}
