package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/feature"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "List the feature descriptor table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		table, err := loadTable()
		if err != nil {
			return err
		}
		return formatFeatures(os.Stdout, table)
	},
}

func init() {
	rootCmd.AddCommand(featuresCmd)
}

// formatFeatures writes the table in resolution order.
func formatFeatures(out io.Writer, table *feature.Table) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FEATURE\tTYPE\tSTRATEGY\tPOLICY\tRANGE\tREQUIRES\tSOURCES")
	_, _ = fmt.Fprintln(w, "-------\t----\t--------\t------\t-----\t--------\t-------")
	for _, name := range table.Names() {
		s, err := table.Lookup(name)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Name,
			s.Type,
			s.Strategy,
			s.Policy,
			formatRange(s),
			dashIfEmpty(strings.Join(s.Required, ",")),
			formatSourceSpecs(s.Sources),
		)
	}
	return w.Flush()
}

func formatRange(s *feature.Spec) string {
	if len(s.Allowed) > 0 {
		return "{" + strings.Join(s.Allowed, "|") + "}"
	}
	if !s.Bounded() {
		return "-"
	}
	lo, hi := "", ""
	if s.Min != nil {
		lo = strconv.FormatFloat(*s.Min, 'g', -1, 64)
	}
	if s.Max != nil {
		hi = strconv.FormatFloat(*s.Max, 'g', -1, 64)
	}
	return "[" + lo + "," + hi + "]"
}

func formatSourceSpecs(sources []feature.SourceSpec) string {
	if len(sources) == 0 {
		return "-"
	}
	parts := make([]string, len(sources))
	for i, src := range sources {
		parts[i] = src.Name
		if src.Tag != "" {
			parts[i] += ":" + src.Tag
		}
	}
	return strings.Join(parts, ",")
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
