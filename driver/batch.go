// Package driver runs the optimizer headless: load a request file, run the
// full pipeline once, print a report and exit with a code scripts can
// branch on.
package driver

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"schoolbus/backend/jobs"
	"schoolbus/backend/model"
	"schoolbus/backend/optimize"
	"schoolbus/backend/travel"
)

// Exit codes for batch mode. Invalid and infeasible inputs share one
// code.
const (
	ExitOK         = 0
	ExitInfeasible = 1
	ExitTimeout    = 2
	ExitCancelled  = 3
	ExitInternal   = 4
)

// Options mirrors the per-job tunables exposed by the CLI flags.
type Options struct {
	InputPath  string
	ReportPath string // file or directory; empty disables the CSV report

	Day           string
	Validate      bool
	Seed          int64
	TimeBudgetSec int
	SpeedKmph     float64

	Quiet bool
}

// Run executes one headless optimization and returns the process exit code.
func Run(opt Options, log zerolog.Logger) int {
	f, err := os.Open(opt.InputPath)
	if err != nil {
		log.Error().Err(err).Str("path", opt.InputPath).Msg("cannot open input")
		return ExitInfeasible
	}
	req, err := model.LoadRequestFromReader(f)
	f.Close()
	if err != nil {
		log.Error().Err(err).Msg("cannot parse request")
		return ExitInfeasible
	}
	if opt.Day != "" {
		req.Options.Day = opt.Day
	}
	if opt.Validate {
		req.Options.Validate = true
	}
	if opt.Seed != 0 {
		req.Options.Seed = opt.Seed
	}
	if opt.TimeBudgetSec > 0 {
		req.Options.TimeBudgetSec = opt.TimeBudgetSec
	}

	speed := opt.SpeedKmph
	if speed <= 0 {
		speed = 40
	}
	o := &optimize.Optimizer{
		Provider:      travel.NewHaversineProvider(speed),
		FallbackSpeed: speed,
		Log:           log,
	}
	sink := optimize.NopSink
	if !opt.Quiet {
		sink = optimize.SinkFunc(func(phase optimize.Phase, pct int, msg string) {
			fmt.Printf("[%3d%%] %-18s %s\n", pct, phase, msg)
		})
	}

	res, err := o.Run(context.Background(), req, sink)
	if err != nil {
		coded := jobs.Classify(err)
		log.Error().Str("code", coded.Code).Msg(coded.Message)
		switch coded.Code {
		case jobs.CodeInvalidInput, jobs.CodeInfeasible:
			return ExitInfeasible
		case jobs.CodeTimeout:
			return ExitTimeout
		case jobs.CodeCancelled:
			return ExitCancelled
		default:
			return ExitInternal
		}
	}

	PrintConsoleReport(res)
	if opt.ReportPath != "" {
		if out, err := WriteCSVReport(opt.ReportPath, res); err != nil {
			log.Error().Err(err).Msg("report: create failed")
		} else {
			log.Info().Str("path", out).Msg("CSV report written")
		}
	}
	return ExitOK
}

// PrintConsoleReport prints a human-readable schedule summary to stdout.
func PrintConsoleReport(res *optimize.Result) {
	st := res.Schedule.Stats
	fmt.Println("=== Schedule Report (batch) ===")
	fmt.Printf("Buses required: %d\n", st.Buses)
	fmt.Printf("Routes covered: %d entry, %d exit\n", st.Entries, st.Exits)
	fmt.Printf("Total deadhead: %d minutes\n", st.DeadheadMin)
	fmt.Printf("Total time shift: %d minutes\n", st.TimeShiftMin)
	fmt.Printf("Objective score: %.2f\n", res.Score)
	for _, d := range res.Schedule.Duties {
		span := 0
		if len(d.Items) > 0 {
			span = int(d.Items[len(d.Items)-1].End - d.Items[0].Start)
		}
		fmt.Printf("Bus %s routes=%d span=%d min deadhead=%d min\n",
			d.BusID, len(d.Items), span, dutyDeadhead(d))
	}
	for _, w := range res.Schedule.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	if mc := res.MonteCarlo; mc != nil {
		fmt.Printf("Robustness: %.1f%% feasible over %d simulations (grade %s)\n",
			mc.FeasibilityRate*100, mc.Simulations, mc.Grade)
		fmt.Printf("Recommendation: %s\n", mc.Recommendation)
	}
}

// WriteCSVReport writes a CSV schedule report. A directory path gets a
// timestamped file inside; a file path gets the timestamp suffixed before
// the extension.
func WriteCSVReport(reportPath string, res *optimize.Result) (string, error) {
	ts := time.Now().Format("20060102-150405")
	outPath := reportPath
	if fi, err := os.Stat(outPath); err == nil && fi.IsDir() {
		outPath = filepath.Join(outPath, fmt.Sprintf("schedule-%s.csv", ts))
	} else {
		ext := filepath.Ext(outPath)
		base := outPath[:len(outPath)-len(ext)]
		outPath = fmt.Sprintf("%s-%s%s", base, ts, ext)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fmt.Fprintln(f, "section,bus_id,route_id,type,start,end,shift_min,deadhead_min,buses,score,timestamp")
	for _, d := range res.Schedule.Duties {
		for _, it := range d.Items {
			fmt.Fprintf(f, "duty,%s,%s,%s,%s,%s,%d,%d,,,%s\n",
				d.BusID, it.RouteID, it.Type, it.Start, it.End, it.ShiftMin, it.DeadheadMin, ts)
		}
	}
	fmt.Fprintf(f, "summary,,,,,,%d,%d,%d,%.2f,%s\n",
		res.Schedule.Stats.TimeShiftMin, res.Schedule.Stats.DeadheadMin,
		res.Schedule.Stats.Buses, math.Round(res.Score*100)/100, ts)
	return outPath, nil
}

func dutyDeadhead(d model.BusDuty) int {
	total := 0
	for _, it := range d.Items {
		total += it.DeadheadMin
	}
	return total
}
