package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeagent/internal/syncer"
)

func newContext(t *testing.T) (*Context, *bytes.Buffer) {
	t.Helper()
	// Nominatim stand-in that never finds anything; overrides do the work.
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	t.Cleanup(geo.Close)

	dir := t.TempDir()
	body := fmt.Sprintf(`
database: %s
refresh: "-"
timezone: UTC
geocoder:
  base_url: %s
  timeout: 2s
overrides:
  - address: 1 Main St
    latitude: 40.5
    longitude: -75.25
`, filepath.Join(dir, "safeagent.db"), geo.URL)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	out := new(bytes.Buffer)
	return &Context{ConfigPath: path, Out: out}, out
}

func TestLoad_ListenFlagWins(t *testing.T) {
	cctx, _ := newContext(t)
	cctx.Listen = "0.0.0.0:9999"
	cfg, err := cctx.Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Listen)
}

func TestGeocodeCmd_UsesOverrides(t *testing.T) {
	cctx, out := newContext(t)
	cmd := &GeocodeCmd{Address: "Showing - 1 Main St."}
	require.NoError(t, cmd.Run(cctx))
	assert.Equal(t, "40.500000,-75.250000\n", out.String())
}

func TestGeocodeCmd_Unresolved(t *testing.T) {
	cctx, _ := newContext(t)
	cmd := &GeocodeCmd{Address: "99 Nowhere Ln"}
	assert.Error(t, cmd.Run(cctx))
}

func TestAppointments_AddThenList(t *testing.T) {
	cctx, out := newContext(t)

	add := &AppointmentsAddCmd{
		Title:    "Walkthrough",
		Start:    "2030-01-02 10:00",
		Duration: time.Hour,
		Address:  "1 Main St",
		Wait:     5 * time.Second,
	}
	require.NoError(t, add.Run(cctx))
	assert.Contains(t, out.String(), "Created ")

	out.Reset()
	require.NoError(t, (&AppointmentsListCmd{}).Run(cctx))
	listing := out.String()
	assert.Contains(t, listing, "Walkthrough")
	assert.Contains(t, listing, "2030-01-02 10:00")
	assert.Contains(t, listing, "40.50000,-75.25000")
	assert.Contains(t, listing, "manual")
}

func TestAppointmentsAdd_RejectsBadStart(t *testing.T) {
	cctx, _ := newContext(t)
	add := &AppointmentsAddCmd{Title: "x", Start: "tomorrow", Duration: time.Hour}
	assert.Error(t, add.Run(cctx))
}

func TestSyncCmd_NoCalendarsIsDenied(t *testing.T) {
	cctx, out := newContext(t)
	err := (&SyncCmd{}).Run(cctx)
	assert.ErrorIs(t, err, errAccessDenied)

	var got syncer.Outcome
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, syncer.AccessDenied, got.Access)
	assert.Equal(t, syncer.TriggerManual, got.Trigger)
}
