package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestBuildTimestamp(t *testing.T) {
	buildTimestamp := "29/04/2021@20:23:35"

	reference, err := time.Parse(time.RFC3339, "2021-04-29T20:23:35Z")
	require.NoError(t, err)

	require.Equal(t, reference.Unix(), getBuildTimestamp(buildTimestamp))
	require.Zero(t, getBuildTimestamp(""))
	require.Zero(t, getBuildTimestamp("yesterday"))
}

func TestHelpers(t *testing.T) {
	LockGranted("metrics-test")
	LockGranted("metrics-test")
	require.Equal(t, 2.0, testutil.ToFloat64(LocksGranted.WithLabelValues("metrics-test")))

	QueueChanged("metrics-test", 3, 7)
	require.Equal(t, 3.0, testutil.ToFloat64(QueueLength.WithLabelValues("metrics-test")))
	require.Equal(t, 7.0, testutil.ToFloat64(CompletedContributions.WithLabelValues("metrics-test")))

	CeremonyStateChange("metrics-test", 2)
	require.Equal(t, 2.0, testutil.ToFloat64(CeremonyState.WithLabelValues("metrics-test")))
}
