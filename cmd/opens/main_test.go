package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pevans/opens/config"
	"github.com/pevans/opens/logger"
)

// Test helper: a leaderboard with two athletes on region 1 of every division
func newLeaderboardServer(t *testing.T, failRegion string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("region") == failRegion {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		body := `<table id="lbtable"><tr><th>Rank</th></tr>`
		if q.Get("region") == "1" && q.Get("page") == "1" {
			body += `<tr><td class="number">1</td><td class="name"><a href="/athlete/100">Ann</a></td>` +
				`<td class="score-cell"><span>12 (3)</span></td><td class="score-cell"><span>-- (--)</span></td></tr>`
			body += `<tr><td class="number">2</td><td class="name"><a href="/athlete/200">Bob</a></td>` +
				`<td class="score-cell"><span>150 (9) - s</span></td><td class="score-cell"><span>80 (4)</span></td></tr>`
		}
		body += `</table>`
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

// Test helper: config pointing at a test server and a temp database
func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	c := config.Default()
	c.StorageDSN = filepath.Join(t.TempDir(), "opens.db")
	c.BaseURL = baseURL
	c.FetchAttempts = 2
	c.RetryWait = time.Millisecond
	c.DivisionFirst, c.DivisionLast = 1, 2
	c.RegionFirst, c.RegionLast = 1, 2
	c.Events = []string{"15.1", "15.1a"}
	require.NoError(t, c.Validate())
	return c
}

// TestCrawlThenReshape runs both commands against a fake leaderboard
func TestCrawlThenReshape(t *testing.T) {
	server := newLeaderboardServer(t, "")
	c := testConfig(t, server.URL)
	c.MetricsTextfile = filepath.Join(t.TempDir(), "opens.prom")
	ctx := context.Background()

	var summary bytes.Buffer
	require.NoError(t, runCrawl(ctx, c, logger.Nop(), &summary))
	assert.Contains(t, summary.String(), "Total")
	assert.NotContains(t, summary.String(), "TOTAL")

	var out bytes.Buffer
	require.NoError(t, runReshape(ctx, c, logger.Nop(), "csv", &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "id,name,division,region,15.1,15.1 Rx,15.1a,15.1a Rx", lines[0])
	assert.Equal(t, "100,Ann,2,1,3,1,,", lines[1])
	assert.Equal(t, "200,Bob,2,1,9,0,4,1", lines[2])

	assert.FileExists(t, c.MetricsTextfile)
}

// TestCrawlRecordsGaps verifies unavailable pages are listed by the gaps command
func TestCrawlRecordsGaps(t *testing.T) {
	server := newLeaderboardServer(t, "2")
	c := testConfig(t, server.URL)
	ctx := context.Background()

	require.NoError(t, runCrawl(ctx, c, logger.Nop(), &bytes.Buffer{}))

	var out bytes.Buffer
	require.NoError(t, runGaps(ctx, c, nil, &out))
	assert.Contains(t, out.String(), "HTTP error")
	assert.Contains(t, out.String(), "region=2")
}

// TestGapsEmpty verifies the message for a clean database
func TestGapsEmpty(t *testing.T) {
	c := testConfig(t, "http://example.com/")

	var out bytes.Buffer
	require.NoError(t, runGaps(context.Background(), c, nil, &out))
	assert.Equal(t, "No gaps recorded.\n", out.String())
}

// TestReshapeShapeMismatch verifies the command fails when events do not line up
func TestReshapeShapeMismatch(t *testing.T) {
	server := newLeaderboardServer(t, "")
	c := testConfig(t, server.URL)
	ctx := context.Background()
	require.NoError(t, runCrawl(ctx, c, logger.Nop(), &bytes.Buffer{}))

	c.Events = []string{"15.1", "15.1a", "15.2"}
	err := runReshape(ctx, c, logger.Nop(), "csv", &bytes.Buffer{})
	assert.Error(t, err)
}
