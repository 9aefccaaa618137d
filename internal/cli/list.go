package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"inferbench/internal/backend"
	"inferbench/internal/report"
)

type backendInfo struct {
	Name         string `json:"name" yaml:"name"`
	DisplayName  string `json:"display_name" yaml:"display-name"`
	DefaultModel string `json:"default_model" yaml:"default-model"`
	Available    bool   `json:"available" yaml:"available"`
	Remediation  string `json:"remediation,omitempty" yaml:"remediation,omitempty"`
}

func (a *App) listCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known backends and whether they are configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.setup(cmd)
			if err != nil {
				return err
			}
			format, err := report.ParseFormat(sess.cfg.Output.Format)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var infos []backendInfo
			var rows [][]string
			for _, b := range sess.registry.Backends() {
				info := backendInfo{
					Name:         b.Name(),
					DisplayName:  backend.DisplayName(b),
					DefaultModel: b.DefaultModel(),
					Available:    b.IsAvailable(ctx),
				}
				if !info.Available {
					info.Remediation = backend.Remediation(b)
				}
				infos = append(infos, info)
				rows = append(rows, []string{
					info.Name, info.DisplayName, info.DefaultModel,
					strconv.FormatBool(info.Available), info.Remediation,
				})
			}
			return report.RenderListing(a.Out, format, report.Listing{
				Headers: []string{"Backend", "Name", "Default Model", "Available", "Setup"},
				Rows:    rows,
				Data:    infos,
			})
		},
	}
	cmd.Flags().StringP("output", "o", "table", "output format: table, json, yaml, markdown or csv")
	return cmd
}

func (a *App) pricingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Show the price list used for cost estimates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.setup(cmd)
			if err != nil {
				return err
			}
			format, err := report.ParseFormat(sess.cfg.Output.Format)
			if err != nil {
				return err
			}

			prices := sess.pricing.Rows()
			rows := make([][]string, 0, len(prices))
			for _, p := range prices {
				rows = append(rows, []string{
					p.Backend, p.Model,
					fmt.Sprintf("$%.4f", p.Entry.InputPerMillion),
					fmt.Sprintf("$%.4f", p.Entry.OutputPerMillion),
				})
			}
			if format == report.Table || format == report.Markdown {
				fmt.Fprintf(a.Err, "Prices per million tokens, as of %s\n", sess.pricing.AsOf())
			}
			return report.RenderListing(a.Out, format, report.Listing{
				Headers: []string{"Backend", "Model", "Input", "Output"},
				Rows:    rows,
				Data: map[string]any{
					"as_of":  sess.pricing.AsOf(),
					"prices": prices,
				},
			})
		},
	}
	cmd.Flags().StringP("output", "o", "table", "output format: table, json, yaml, markdown or csv")
	return cmd
}
