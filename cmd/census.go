package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var censusCmd = &cobra.Command{
	Use:   "census",
	Short: "Census section utilities",
}

var censusAssignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Tag buildings with the census section containing their centroid",
	RunE: func(cmd *cobra.Command, _ []string) error {
		in, _ := cmd.Flags().GetString("in")
		out, _ := cmd.Flags().GetString("out")
		shp, _ := cmd.Flags().GetString("census")
		if shp == "" {
			shp = cfg.Census.Shapefile
		}
		if shp == "" {
			return eris.New("census assign: --census or census.shapefile is required")
		}

		assigned, total, err := runCensusAssign(cmd.Context(), in, out, shp)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Assigned %d of %d buildings to census sections.\n", assigned, total)
		return nil
	},
}

func init() {
	censusAssignCmd.Flags().String("in", "", "input GeoJSON FeatureCollection")
	censusAssignCmd.Flags().String("out", "", "output GeoJSON path")
	censusAssignCmd.Flags().String("census", "", "census sections shapefile (overrides census.shapefile)")
	_ = censusAssignCmd.MarkFlagRequired("in")
	_ = censusAssignCmd.MarkFlagRequired("out")

	censusCmd.AddCommand(censusAssignCmd)
	rootCmd.AddCommand(censusCmd)
}

func runCensusAssign(ctx context.Context, in, out, shp string) (assigned, total int, err error) {
	o := resolveOptions{In: in, Census: shp}
	inputs, err := loadInputs(ctx, o)
	if err != nil {
		return 0, 0, err
	}
	assigned, err = inputs.census.Assign(inputs.buildings, censusIDAttr, cfg.Census.CopyAttrs)
	if err != nil {
		return 0, 0, eris.Wrap(err, "census assign")
	}
	if err := writeCollection(out, inputs.buildings); err != nil {
		return 0, 0, err
	}
	return assigned, inputs.buildings.Len(), nil
}
