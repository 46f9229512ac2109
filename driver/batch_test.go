package driver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolbus/backend/model"
	"schoolbus/backend/optimize"
)

const batchInput = `{
	"routes": [
		{
			"id": "e1", "type": "entry", "anchor_time": "08:00", "school_id": "sch-1",
			"stops": [
				{"id": "e1-s", "lat": 41.35, "lng": 2.10, "passengers": 12},
				{"id": "e1-sch", "lat": 41.40, "lng": 2.15, "is_school": true}
			]
		},
		{
			"id": "x1", "type": "exit", "anchor_time": "16:00", "school_id": "sch-1",
			"stops": [
				{"id": "x1-sch", "lat": 41.40, "lng": 2.15, "is_school": true},
				{"id": "x1-h", "lat": 41.36, "lng": 2.11, "passengers": 12}
			]
		}
	],
	"options": {"seed": 1, "iteration_budget": 100, "time_budget_seconds": 5}
}`

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "request.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunProducesReport(t *testing.T) {
	reportDir := t.TempDir()
	code := Run(Options{
		InputPath:  writeInput(t, batchInput),
		ReportPath: reportDir,
		Seed:       1,
		Quiet:      true,
	}, zerolog.Nop())
	require.Equal(t, ExitOK, code)

	entries, err := os.ReadDir(reportDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "schedule-"))

	data, err := os.ReadFile(filepath.Join(reportDir, entries[0].Name()))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, "section,bus_id,route_id,type,start,end,shift_min,deadhead_min,buses,score,timestamp", lines[0])
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "summary,"))
	// one duty row per scheduled route plus header and summary
	assert.Len(t, lines, 4)
}

func TestRunMissingInput(t *testing.T) {
	code := Run(Options{InputPath: filepath.Join(t.TempDir(), "absent.json"), Quiet: true}, zerolog.Nop())
	assert.Equal(t, ExitInfeasible, code)
}

func TestRunMalformedInput(t *testing.T) {
	code := Run(Options{InputPath: writeInput(t, `{"routes": [`), Quiet: true}, zerolog.Nop())
	assert.Equal(t, ExitInfeasible, code)
}

func TestRunInvalidRoutes(t *testing.T) {
	code := Run(Options{
		InputPath: writeInput(t, `{"routes":[{"id":"","type":"entry","stops":[]}]}`),
		Quiet:     true,
	}, zerolog.Nop())
	assert.Equal(t, ExitInfeasible, code)
}

func TestWriteCSVReportSuffixesFilePath(t *testing.T) {
	res := &optimize.Result{
		Schedule: model.DaySchedule{
			Duties: []model.BusDuty{{BusID: "bus-01", Items: []model.DutyItem{
				{RouteID: "e1", Type: model.RouteEntry, Start: 450, End: 480},
			}}},
			Stats: model.ScheduleStats{Buses: 1, Entries: 1},
		},
		Score: 12.5,
	}
	target := filepath.Join(t.TempDir(), "out.csv")
	got, err := WriteCSVReport(target, res)
	require.NoError(t, err)
	assert.NotEqual(t, target, got, "timestamp must be suffixed")
	assert.True(t, strings.HasSuffix(got, ".csv"))
	_, err = os.Stat(got)
	assert.NoError(t, err)
}
