// Command inspect runs the offline stages of the wildfire pipeline over a
// FIRMS CSV file and prints what each stage kept and dropped. It touches
// neither the network nor a store, which makes it handy for checking a feed
// download or a region override before deploying.
//
// Usage:
//
//	go run ./cmd/inspect -file MODIS_C6_1_Global_24h.csv \
//	  [-region-file region.yaml] [-drop-unknown] [-window] [-half-window 3h] [-strict]
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/couchcryptid/wildfire-etl/internal/adapter/firms"
	"github.com/couchcryptid/wildfire-etl/internal/config"
	"github.com/couchcryptid/wildfire-etl/internal/domain"
)

type options struct {
	file        string
	regionFile  string
	dropUnknown bool
	showWindows bool
	halfWindow  time.Duration
	strict      bool
}

// stage tracks the rows in and out of one pipeline stage.
type stage struct {
	name     string
	in, out  int
	warnings []string
}

func (s *stage) warnf(format string, args ...any) {
	s.warnings = append(s.warnings, fmt.Sprintf(format, args...))
}

func main() {
	var opts options
	flag.StringVar(&opts.file, "file", "", "FIRMS CSV file to inspect")
	flag.StringVar(&opts.regionFile, "region-file", "", "optional YAML bounding box override")
	flag.BoolVar(&opts.dropUnknown, "drop-unknown", false, "drop rows whose confidence label is not L, M or H")
	flag.BoolVar(&opts.showWindows, "window", false, "print each surviving detection with its weather window")
	flag.DurationVar(&opts.halfWindow, "half-window", domain.DefaultHalfWindow, "weather correlation half-window")
	flag.BoolVar(&opts.strict, "strict", false, "exit non-zero when any row was undecodable or had a bad timestamp")
	flag.Parse()

	if opts.file == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(opts, os.Stdout, os.Stderr); code != 0 {
		os.Exit(code)
	}
}

func run(opts options, stdout, stderr io.Writer) int {
	region := domain.NorthAmerica
	if opts.regionFile != "" {
		r, err := config.LoadRegionFile(opts.regionFile)
		if err != nil {
			fmt.Fprintf(stderr, "FATAL: %v\n", err)
			return 1
		}
		region = r
	}

	f, err := os.Open(opts.file)
	if err != nil {
		fmt.Fprintf(stderr, "FATAL: open feed: %v\n", err)
		return 1
	}
	defer f.Close()

	feed, err := firms.Decode(f)
	if err != nil {
		fmt.Fprintf(stderr, "FATAL: decode feed: %v\n", err)
		return 1
	}

	decode := &stage{name: "decode", in: len(feed.Rows) + feed.Skipped, out: len(feed.Rows)}
	if feed.Skipped > 0 {
		decode.warnf("%d rows were malformed or had non-numeric coordinates", feed.Skipped)
	}

	cleaned := domain.Clean(feed.Rows, domain.CleanOptions{DropUnknownConfidence: opts.dropUnknown})
	clean := &stage{name: "clean", in: len(feed.Rows), out: len(cleaned.Detections)}
	if cleaned.InvalidTimestamp > 0 {
		clean.warnf("%d rows dropped: acquisition date/time could not be normalized", cleaned.InvalidTimestamp)
	}
	if cleaned.UnknownConfidence > 0 {
		action := "kept without a score"
		if opts.dropUnknown {
			action = "dropped"
		}
		clean.warnf("%d rows had an unknown confidence label (%s)", cleaned.UnknownConfidence, action)
	}

	inRegion := domain.FilterRegion(cleaned.Detections, region)
	filter := &stage{name: "region", in: len(cleaned.Detections), out: len(inRegion)}

	unique, dups := domain.Dedupe(inRegion)
	dedupe := &stage{name: "dedupe", in: len(inRegion), out: len(unique)}
	if dups > 0 {
		dedupe.warnf("%d duplicate detections removed", dups)
	}

	fmt.Fprintf(stdout, "=== Feed inspection: %s ===\n", opts.file)
	fmt.Fprintf(stdout, "Region: lat [%g, %g] lon [%g, %g]\n\n", region.LatMin, region.LatMax, region.LonMin, region.LonMax)

	stages := []*stage{decode, clean, filter, dedupe}
	for _, s := range stages {
		fmt.Fprintf(stdout, "  %-8s %6d in  %6d out\n", s.name, s.in, s.out)
	}
	for _, s := range stages {
		for _, w := range s.warnings {
			fmt.Fprintf(stdout, "  [%s] %s\n", s.name, w)
		}
	}

	if opts.showWindows {
		fmt.Fprintln(stdout)
		for _, d := range unique {
			w := d.Window(opts.halfWindow)
			fmt.Fprintf(stdout, "  %-24s %-3s %s  window %s .. %s\n",
				d.GeomWKT, d.ConfidenceLevel, d.AcquiredAt.Format(time.RFC3339),
				w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
		}
	}

	fmt.Fprintf(stdout, "\n%d detections ready for weather correlation.\n", len(unique))

	if opts.strict && (feed.Skipped > 0 || cleaned.InvalidTimestamp > 0) {
		fmt.Fprintln(stdout, "Inspection FAILED: feed contains unusable rows.")
		return 1
	}
	return 0
}
