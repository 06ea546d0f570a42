package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult(t *testing.T) {
	assert.Equal(t, "success", Result(nil))
	assert.Equal(t, "failure", Result(errors.New("x")))
}

func TestWriteTextfile(t *testing.T) {
	PurgeTotal.WithLabelValues("success").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(PurgeTotal.WithLabelValues("success")), 1.0)

	path := filepath.Join(t.TempDir(), "fleetctl.prom")
	require.NoError(t, WriteTextfile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "fleetctl_purge_total")
}
