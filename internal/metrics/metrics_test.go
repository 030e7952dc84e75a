// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	m := New()
	m.RecordLoad("zero_to_fp32", errors.New("no shards"))
	m.RecordLoad("consolidated_file", nil)
	m.RecordKeys(StageLoaded, 10)
	m.RecordKeys(StageWritten, 4)
	m.RecordOutput(1024, 256)
	m.RecordDone(1500*time.Millisecond, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadAttempts.WithLabelValues("zero_to_fp32", ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadAttempts.WithLabelValues("consolidated_file", ResultSuccess)))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.Keys.WithLabelValues(StageLoaded)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Keys.WithLabelValues(StageWritten)))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.OutputBytes))
	assert.Equal(t, 256.0, testutil.ToFloat64(m.Parameters))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.Duration))
	assert.Positive(t, testutil.ToFloat64(m.LastSuccess))

	// Nil metrics record nothing.
	var nilMetrics *Metrics
	nilMetrics.RecordLoad("zero_to_fp32", nil)
	nilMetrics.RecordKeys(StageLoaded, 1)
	nilMetrics.RecordOutput(1, 1)
	nilMetrics.RecordDone(time.Second, nil)
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.RecordKeys(StageWritten, 7)
	m.RecordDone(time.Second, errors.New("failed"))
	filePath := filepath.Join(t.TempDir(), "zerockpt.prom")
	require.NoError(t, m.WriteTextfile(filePath))
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `zerockpt_state_dict_keys{stage="written"} 7`)
	assert.Contains(t, string(contents), "zerockpt_run_duration_seconds 1")
	assert.Contains(t, string(contents), "zerockpt_last_success_timestamp_seconds 0")

	require.Error(t, m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "dir", "x.prom")))
}
