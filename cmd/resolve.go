package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/cascade"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/census"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/crs"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/feature"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/metrics"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/resolver"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/source"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/store"
	"github.com/saeidz70/urban-energy-simulation-backend/pkg/buildingdb"
	"github.com/saeidz70/urban-energy-simulation-backend/pkg/overpass"
)

// censusIDAttr is the building attribute holding the census section id.
const censusIDAttr = "census_id"

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve features on a building collection",
	Long:  "Reads a GeoJSON building collection, resolves the requested features in order and writes the enriched collection.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var o resolveOptions
		o.In, _ = cmd.Flags().GetString("in")
		o.Out, _ = cmd.Flags().GetString("out")
		o.Features, _ = cmd.Flags().GetStringSlice("features")
		o.UserFile, _ = cmd.Flags().GetString("user-file")
		o.Census, _ = cmd.Flags().GetString("census")
		o.MetricsFile, _ = cmd.Flags().GetString("metrics-file")
		o.Record, _ = cmd.Flags().GetBool("record")

		if o.UserFile == "" {
			o.UserFile = cfg.Sources.UserFile
		}
		if o.Census == "" {
			o.Census = cfg.Census.Shapefile
		}
		if o.MetricsFile == "" {
			o.MetricsFile = cfg.Metrics.TextfilePath
		}

		reports, err := runResolve(cmd.Context(), o)
		formatReports(os.Stdout, reports)
		return err
	},
}

func init() {
	resolveCmd.Flags().String("in", "", "input GeoJSON FeatureCollection")
	resolveCmd.Flags().String("out", "", "output GeoJSON path")
	resolveCmd.Flags().StringSlice("features", nil, "features to resolve, in order (default: every feature in table order)")
	resolveCmd.Flags().String("user-file", "", "GeoJSON with user-supplied attributes (overrides sources.user_file)")
	resolveCmd.Flags().String("census", "", "census sections shapefile (overrides census.shapefile)")
	resolveCmd.Flags().String("metrics-file", "", "write Prometheus metrics to this textfile after the run")
	resolveCmd.Flags().Bool("record", false, "persist the run and its reports to the store")
	_ = resolveCmd.MarkFlagRequired("in")
	_ = resolveCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(resolveCmd)
}

// resolveOptions holds everything runResolve needs besides the global config.
type resolveOptions struct {
	In          string
	Out         string
	Features    []string
	UserFile    string
	Census      string
	MetricsFile string
	Record      bool
}

// resolveInputs are loaded concurrently before resolution starts.
type resolveInputs struct {
	buildings *building.Collection
	user      *source.UserFile
	census    *census.Layer
}

func runResolve(ctx context.Context, o resolveOptions) ([]*resolver.Report, error) {
	table, err := loadTable()
	if err != nil {
		return nil, err
	}
	features := o.Features
	if len(features) == 0 {
		features = table.Names()
	}
	for _, name := range features {
		if _, err := table.Lookup(name); err != nil {
			return nil, eris.Wrap(err, "resolve")
		}
	}

	in, err := loadInputs(ctx, o)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	h, err := crs.NewHarmonizer(cfg.CRS.GeographicEPSG, cfg.CRS.ProjectedEPSG)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: crs")
	}

	casc, closeCascade := buildCascade(in.user, m)
	defer closeCascade()

	opts := []resolver.Option{
		resolver.WithCascade(casc),
		resolver.WithHarmonizer(h),
		resolver.WithObserver(m),
	}
	if in.census != nil {
		if _, err := in.census.Assign(in.buildings, censusIDAttr, cfg.Census.CopyAttrs); err != nil {
			return nil, eris.Wrap(err, "resolve: census assign")
		}
		opts = append(opts, resolver.WithCensus(in.census))
	}
	r := resolver.New(table, opts...)

	var (
		st  store.Store
		run *store.Run
	)
	if o.Record {
		st, err = initStore(ctx)
		if err != nil {
			return nil, err
		}
		defer st.Close() //nolint:errcheck
		run, err = st.CreateRun(ctx, o.In, features)
		if err != nil {
			return nil, eris.Wrap(err, "resolve: create run")
		}
	}

	reports, resolveErr := r.ResolveAll(ctx, in.buildings, features)

	if st != nil {
		if err := recordRun(ctx, st, run.ID, reports, resolveErr); err != nil {
			zap.L().Error("resolve: record run", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	if resolver.IsConfigError(resolveErr) {
		return reports, resolveErr
	}

	if err := writeCollection(o.Out, in.buildings); err != nil {
		return reports, err
	}
	if o.MetricsFile != "" {
		if err := metrics.WriteTextfile(o.MetricsFile, reg); err != nil {
			zap.L().Warn("resolve: write metrics", zap.String("path", o.MetricsFile), zap.Error(err))
		}
	}

	zap.L().Info("resolve: complete",
		zap.String("in", o.In),
		zap.String("out", o.Out),
		zap.Int("buildings", in.buildings.Len()),
		zap.Int("features", len(reports)),
	)
	return reports, resolveErr
}

func loadTable() (*feature.Table, error) {
	if cfg.Features.SpecPath == "" {
		return feature.DefaultTable()
	}
	return feature.LoadTable(cfg.Features.SpecPath)
}

// loadInputs reads the building collection, the user file and the census
// layer in parallel.
func loadInputs(ctx context.Context, o resolveOptions) (*resolveInputs, error) {
	var in resolveInputs
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		c, err := readCollection(o.In)
		if err != nil {
			return err
		}
		in.buildings = c
		return nil
	})
	if o.UserFile != "" {
		g.Go(func() error {
			u, err := source.LoadUserFile(o.UserFile)
			if err != nil {
				return err
			}
			in.user = u
			return nil
		})
	}
	if o.Census != "" {
		g.Go(func() error {
			l, err := census.LoadShapefile(o.Census, cfg.Census.IDField, cfg.Census.EPSG)
			if err != nil {
				return err
			}
			in.census = l
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &in, nil
}

// buildCascade registers the configured providers. Remote providers sit
// behind a circuit breaker and, when configured, the Redis cache. The
// returned func releases the cache connection.
func buildCascade(user *source.UserFile, m *metrics.Metrics) (*cascade.Cascade, func()) {
	reg := cascade.NewRegistry()
	closeFn := func() {}

	if user != nil {
		reg.Register(user)
	}

	var remote []cascade.Provider
	if cfg.Sources.Database.URL != "" {
		client := buildingdb.NewClient(cfg.Sources.Database.URL,
			buildingdb.WithTimeout(time.Duration(cfg.Sources.Database.TimeoutSecs)*time.Second),
		)
		remote = append(remote, source.NewDatabase(client))
	}
	if !cfg.Sources.OSM.Disabled {
		client := overpass.NewClient(
			overpass.WithBaseURL(cfg.Sources.OSM.OverpassURL),
			overpass.WithRateLimit(cfg.Sources.OSM.RatePerSec),
			overpass.WithTimeout(time.Duration(cfg.Sources.OSM.TimeoutSecs)*time.Second),
		)
		remote = append(remote, source.NewOSM(client))
	}

	for i, p := range remote {
		remote[i] = source.NewGuarded(p, cfg.Sources.BreakerFailures,
			time.Duration(cfg.Sources.BreakerCooldownSecs)*time.Second)
	}
	if cfg.Cache.RedisAddr != "" && len(remote) > 0 {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})
		closeFn = func() { _ = rdb.Close() }
		cache := source.NewRedisStore(rdb)
		ttl := time.Duration(cfg.Cache.TTLHours) * time.Hour
		for i, p := range remote {
			remote[i] = source.NewCached(p, cache, ttl)
		}
	}
	for _, p := range remote {
		reg.Register(p)
	}

	zap.L().Debug("resolve: providers registered", zap.Strings("providers", reg.List()))
	return cascade.New(reg,
		cascade.WithOrder(cfg.Sources.Order),
		cascade.WithErrorHook(m.ProviderError),
	), closeFn
}

func recordRun(ctx context.Context, st store.Store, runID string, reports []*resolver.Report, resolveErr error) error {
	for _, rep := range reports {
		if err := st.SaveReport(ctx, runID, rep); err != nil {
			return err
		}
	}
	status := store.RunStatusComplete
	if resolveErr != nil {
		status = store.RunStatusFailed
	}
	return st.UpdateRunStatus(ctx, runID, status)
}

func readCollection(path string) (*building.Collection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck
	c, err := building.ReadGeoJSON(f, crs.WGS84)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return c, nil
}

func writeCollection(path string, c *building.Collection) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	if err := building.WriteGeoJSON(f, c); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrapf(err, "write %s", path)
	}
	return eris.Wrapf(f.Close(), "close %s", path)
}

// formatReports writes one line per resolved feature to w.
func formatReports(out io.Writer, reports []*resolver.Report) {
	if len(reports) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FEATURE\tSTRATEGY\tWORK\tSOURCES\tFALLBACK\tDROPPED\tUNRESOLVED")
	_, _ = fmt.Fprintln(w, "-------\t--------\t----\t-------\t--------\t-------\t----------")
	for _, r := range reports {
		fallback := "-"
		if r.Fallback != "" {
			fallback = fmt.Sprintf("%s(%d)", r.Fallback, r.FromFallback)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%d\n",
			r.Feature,
			r.Strategy,
			r.WorkSet,
			formatSources(r.FromSources),
			fallback,
			r.Validation.Dropped,
			len(r.Unresolved),
		)
	}
	_ = w.Flush()
}

func formatSources(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, counts[name])
	}
	return strings.Join(parts, ",")
}
