package nodeconfig

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inetsim/stack/ndp"
	"github.com/inetsim/stack/tcpstack"
)

const sampleConfig = `
# node parameters
mss = 1460
send_buffer_cap = 64KB
listen_backlog = 16
rto_min = 200ms
cong_ctrl = true
dup_addr_detect_transmits = 3
reachable_time = 30s
`

func TestParseSkipsBlankAndCommentLines(t *testing.T) {
	f, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	v, ok := f.Int("mss")
	require.True(t, ok)
	require.Equal(t, 1460, v)
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse(strings.NewReader("not_a_key_value_pair\n"))
	require.Error(t, err)
}

func TestApplyTCPOverlaysRecognizedKeys(t *testing.T) {
	f, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	got := f.ApplyTCP(tcpstack.DefaultConfig())

	require.Equal(t, uint16(1460), got.MSS)
	require.Equal(t, 64000, got.SendBufferCap) // 64KB per common/bytes' decimal kilobyte convention
	require.Equal(t, 16, got.ListenBacklog)
	require.Equal(t, 200*time.Millisecond, got.RTOMin)
	require.True(t, got.CongCtrl)
}

func TestApplyNDPOverlaysRecognizedKeys(t *testing.T) {
	f, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	got := f.ApplyNDP(ndp.DefaultConfig())

	require.Equal(t, 3, got.DupAddrDetectTransmits)
	require.Equal(t, 30*time.Second, got.ReachableTime)
}

func TestMissingKeyLeavesBaseUnchanged(t *testing.T) {
	f, err := Parse(strings.NewReader("mss = 1000\n"))
	require.NoError(t, err)

	base := tcpstack.DefaultConfig()
	base.ListenBacklog = 42
	got := f.ApplyTCP(base)
	require.Equal(t, 42, got.ListenBacklog)
}
