package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/massensors/beltconsole/config"
	"github.com/massensors/beltconsole/period"
	"github.com/massensors/beltconsole/remote"
	"github.com/massensors/beltconsole/service"
)

// =============================================================================
// Serve
// =============================================================================

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the live view dashboard and status pollers",
		Long: `Start the console with its live view dashboard.

The dashboard listens on live_view.listen (default :18080) and streams
activity and poll status over a websocket. When hot_reload is enabled the
configuration file and token file are watched and the console restarts on
change. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
}

// =============================================================================
// Device selection
// =============================================================================

func buildSelectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select DEVICE_ID",
		Short: "Select the working device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session, out io.Writer) error {
				data, err := s.console.SelectDevice(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, data)
			})
		},
	}
}

func buildCurrentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the selected device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session, out io.Writer) error {
				data, err := s.console.CurrentSelection(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, data)
			})
		},
	}
}

func buildClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the device selection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session, out io.Writer) error {
				res, err := s.console.ClearSelection(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, res)
			})
		},
	}
}

// =============================================================================
// Parameters and aliases
// =============================================================================

func buildParamsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Read and write device parameters",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "List the parameters of the selected device",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(cmd, true, func(ctx context.Context, s *session, out io.Writer) error {
					params, err := s.console.LoadParameters(ctx)
					if err != nil {
						return err
					}
					return printParameters(out, params)
				})
			},
		},
		&cobra.Command{
			Use:   "set ADDRESS|NAME VALUE",
			Short: "Write one parameter of the selected device",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				address, err := parseParameterRef(args[0])
				if err != nil {
					return err
				}
				if err := service.ValidateParameter(address, args[1]); err != nil {
					return err
				}
				return withSession(cmd, true, func(ctx context.Context, s *session, out io.Writer) error {
					res, err := s.console.UpdateParameter(ctx, address, args[1])
					if err != nil {
						return err
					}
					return printJSON(out, res)
				})
			},
		},
	)
	return cmd
}

func parseParameterRef(raw string) (int, error) {
	if address, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		return address, nil
	}
	spec, ok := service.LookupParameterName(raw)
	if !ok {
		return 0, &remote.ValidationError{Field: "parameter", Message: fmt.Sprintf("unknown parameter %q", raw)}
	}
	return spec.Address, nil
}

func printParameters(out io.Writer, params *remote.Parameters) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tFORMAT\tVALUE")
	for _, spec := range service.Parameters() {
		value := ""
		if params != nil {
			if p, ok := params.Parameters[strconv.Itoa(spec.Address)]; ok {
				value = p.Value.String()
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", spec.Address, spec.Name, spec.Format, value)
	}
	return tw.Flush()
}

func buildAliasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aliases",
		Short: "Read and write device aliases",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show the aliases of the selected device",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(cmd, true, func(ctx context.Context, s *session, out io.Writer) error {
					aliases, err := s.console.LoadAliases(ctx)
					if err != nil {
						return err
					}
					return printJSON(out, aliases)
				})
			},
		},
		&cobra.Command{
			Use:   "set FIELD VALUE",
			Short: "Write one alias field (" + strings.Join(service.AliasFields(), ", ") + ")",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(cmd, true, func(ctx context.Context, s *session, out io.Writer) error {
					res, err := s.console.UpdateAlias(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					return printJSON(out, res)
				})
			},
		},
	)
	return cmd
}

// =============================================================================
// Measurements, charts and reports
// =============================================================================

type periodFlags struct {
	category string
	start    string
	end      string
}

func (f *periodFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.category, "period", string(period.CurrentMonth), "Reporting period ("+strings.Join(categoryNames(), ", ")+")")
	cmd.Flags().StringVar(&f.start, "start", "", "Custom period start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.end, "end", "", "Custom period end date (YYYY-MM-DD)")
}

// apply sets the period in one step. Dates without an explicit --period
// imply the custom period.
func (f *periodFlags) apply(cmd *cobra.Command, console *service.Console) error {
	category := f.category
	if f.start == "" && f.end == "" {
		_, err := console.ApplyPeriod(category, nil, nil)
		return err
	}
	if !cmd.Flags().Changed("period") {
		category = ""
	}
	_, err := console.ApplyPeriod(category, &f.start, &f.end)
	return err
}

func categoryNames() []string {
	names := make([]string, 0, len(period.Categories()))
	for _, c := range period.Categories() {
		names = append(names, string(c))
	}
	return names
}

func buildMeasurementsCmd() *cobra.Command {
	var (
		filtered bool
		pf       periodFlags
	)
	cmd := &cobra.Command{
		Use:   "measurements",
		Short: "List measurements of the selected device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, true, func(ctx context.Context, s *session, out io.Writer) error {
				if !filtered {
					rows, err := s.console.LoadMeasurements(ctx)
					if err != nil {
						return err
					}
					return printRows(out, rows)
				}
				if err := pf.apply(cmd, s.console); err != nil {
					return err
				}
				res, err := s.console.LoadFiltered(ctx)
				if err != nil {
					return err
				}
				if err := printRows(out, res.Rows); err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "\n%s: shown %d of %d (limit %d)\nworking time %s, avg rate %s, max rate %s, avg speed %s, max speed %s\n",
					res.Period, res.ShownCount, res.TotalCount, res.Limit,
					res.Summary.WorkingTime, res.Summary.AvgRate, res.Summary.MaxRate, res.Summary.AvgSpeed, res.Summary.MaxSpeed)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&filtered, "filtered", false, "Filter by reporting period")
	pf.register(cmd)
	return cmd
}

func printRows(out io.Writer, rows []service.MeasurementRow) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSPEED\tRATE\tTOTAL")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.Time, row.Speed, row.Rate, row.Total)
	}
	return tw.Flush()
}

func buildChartCmd() *cobra.Command {
	var pf periodFlags
	cmd := &cobra.Command{
		Use:       "chart rate|incremental",
		Short:     "Print chart series for the reporting period",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"rate", "incremental"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := strings.ToLower(strings.TrimSpace(args[0]))
			if kind != "rate" && kind != "incremental" {
				return &remote.ValidationError{Field: "chart", Message: fmt.Sprintf("unknown chart %q", args[0])}
			}
			return withSession(cmd, true, func(ctx context.Context, s *session, out io.Writer) error {
				if err := pf.apply(cmd, s.console); err != nil {
					return err
				}
				if kind == "rate" {
					series, err := s.console.LoadRateChart(ctx)
					if err != nil {
						return err
					}
					return printJSON(out, series)
				}
				series, err := s.console.LoadIncrementalChart(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, series)
			})
		},
	}
	pf.register(cmd)
	return cmd
}

func buildReportCmd() *cobra.Command {
	var (
		outDir string
		pf     periodFlags
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Download the CSV report for the reporting period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, true, func(ctx context.Context, s *session, out io.Writer) error {
				if err := pf.apply(cmd, s.console); err != nil {
					return err
				}
				report, err := s.console.DownloadReport(ctx)
				if err != nil {
					return err
				}
				dir := outDir
				if dir == "" {
					dir = s.cfg.ReportDir()
				}
				path, err := service.SaveReport(report, dir)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, path)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "Output directory (defaults to reports.output_dir)")
	pf.register(cmd)
	return cmd
}

// =============================================================================
// Service mode and machine state
// =============================================================================

func buildServiceModeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service-mode",
		Short: "Inspect or switch service mode of the selected device",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show service mode status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session, out io.Writer) error {
				status, class, err := s.console.ServiceModeStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, struct {
					*remote.ServiceModeStatus
					Class service.StatusClass `json:"class"`
				}{status, class})
			})
		},
	})
	for _, enabled := range []bool{true, false} {
		use, short := "on", "Enable service mode"
		if !enabled {
			use, short = "off", "Disable service mode"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(cmd, true, func(ctx context.Context, s *session, out io.Writer) error {
					status, err := s.console.ToggleServiceMode(ctx, enabled)
					if err != nil {
						return err
					}
					return printJSON(out, status)
				})
			},
		})
	}
	return cmd
}

func buildMachineStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "machine-state",
		Short: "Show the machine state observer status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session, out io.Writer) error {
				state, err := s.console.MachineState(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, state)
			})
		},
	}
}

// =============================================================================
// Devices
// =============================================================================

func buildDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List and search devices",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List devices with their activity state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session, out io.Writer) error {
				devices, err := s.console.LoadDevices(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "DEVICE\tACTIVE\tLAST ACTIVITY\tCOMPANY\tLOCATION\tPRODUCT\tSCALE")
				for _, d := range devices {
					fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%s\t%s\n", d.DeviceID, d.IsActive, d.LastActivity,
						d.Aliases.Company, d.Aliases.Location, d.Aliases.ProductName, d.Aliases.ScaleID)
				}
				return tw.Flush()
			})
		},
	})

	var q remote.AliasQuery
	search := &cobra.Command{
		Use:   "search",
		Short: "Find devices by partial alias match",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session, out io.Writer) error {
				found, err := s.console.SearchDevices(ctx, q)
				if err != nil {
					return err
				}
				return printJSON(out, found)
			})
		},
	}
	search.Flags().StringVar(&q.Company, "company", "", "Company alias fragment")
	search.Flags().StringVar(&q.Location, "location", "", "Location alias fragment")
	search.Flags().StringVar(&q.ProductName, "product", "", "Product name alias fragment")
	search.Flags().StringVar(&q.ScaleID, "scale", "", "Scale id alias fragment")
	cmd.AddCommand(search)
	return cmd
}

// =============================================================================
// Token and configuration
// =============================================================================

func buildLoginCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the API bearer token in api.token_file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := fileTokenStore(configPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(token) == "" {
				return &remote.ValidationError{Field: "token", Message: "token must not be empty"}
			}
			if err := store.SetToken(token); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "token stored")
			return err
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	return cmd
}

func buildLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := fileTokenStore(configPath)
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "token removed")
			return err
		},
	}
}

func fileTokenStore(path string) (*remote.FileTokenStore, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.API.TokenFile) == "" {
		return nil, errors.New("api.token_file is not configured")
	}
	return remote.NewFileTokenStore(cfg.API.TokenFile), nil
}

func buildConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-check",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := service.Validate(cfg, zerolog.Nop()); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration %s\n", strings.Join(config.SourceFiles(cfg), ", "))
			fmt.Fprintf(out, "  API: %s\n", cfg.API.BaseURL)
			fmt.Fprintf(out, "  Live view: %s\n", cfg.ListenAddress())
			fmt.Fprintf(out, "  Status rules: %d\n", len(cfg.StatusRules))
			_, err = fmt.Fprintln(out, "Configuration check completed successfully.")
			return err
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

// withSession opens a console for one command, restores the backend's device
// selection when needsSelection is set, and echoes the activity log to stderr.
func withSession(cmd *cobra.Command, needsSelection bool, fn func(ctx context.Context, s *session, out io.Writer) error) error {
	s, err := openSession(configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		printActivity(cmd.ErrOrStderr(), s.console.Activity().Entries())
	}()

	if needsSelection {
		if _, err := s.console.Selection().CurrentSelection(ctx); err != nil {
			return fmt.Errorf("restore selection: %w", err)
		}
	}
	return fn(ctx, s, cmd.OutOrStdout())
}

func printActivity(w io.Writer, entries []service.ActivityEntry) {
	for _, e := range entries {
		fmt.Fprintf(w, "[%s] %-8s %s\n", e.Time.Format("15:04:05"), e.Level, e.Message)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
