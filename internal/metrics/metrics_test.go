package metrics

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/cobrabft/cobra/common/testlogger"
)

func TestMetricsEndpoint(t *testing.T) {
	lis := Start(testlogger.New(t), "127.0.0.1:0")
	require.NotNil(t, lis)
	defer lis.Close()

	before := testutil.ToFloat64(UnreliableSenders)
	UnreliableSenders.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(UnreliableSenders))
	ProposalsValidated.WithLabelValues("valid").Inc()

	resp, err := http.Get("http://" + lis.Addr().String() + "/protocol")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "recovery_unreliable_senders"))
	require.True(t, strings.Contains(string(body), `proposals_validated{outcome="valid"}`))
}
