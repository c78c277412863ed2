package ingest

import (
	"testing"

	"azazel.dev/azazel/internal/config"
	"github.com/stretchr/testify/require"
)

func TestETCategory(t *testing.T) {
	require.Equal(t, "MALWARE", ETCategory("ET MALWARE Trojan.Gen C2 Communication"))
	require.Equal(t, "", ETCategory("plain signature with no ET prefix"))
	require.Equal(t, "", ETCategory("ET"))
}

func TestNormalizeAlertLineFiltersNonAlertEvents(t *testing.T) {
	_, ok := NormalizeAlertLine(`{"event_type":"flow","src_ip":"1.2.3.4"}`, config.SOC{})
	require.False(t, ok)
}

func TestNormalizeAlertLineAppliesDenyList(t *testing.T) {
	line := `{"event_type":"alert","src_ip":"1.2.3.4","alert":{"signature":"ET INFO benign","severity":4}}`
	soc := config.SOC{DeniedCategories: []string{"INFO"}}
	_, ok := NormalizeAlertLine(line, soc)
	require.False(t, ok)
}

func TestNormalizeAlertLineAdmitsMatchingAllowList(t *testing.T) {
	line := `{"event_type":"alert","src_ip":"1.2.3.4","dest_port":443,"alert":{"signature":"ET MALWARE Trojan.Gen","severity":1}}`
	soc := config.SOC{AllowedCategories: []string{"MALWARE"}}
	ev, ok := NormalizeAlertLine(line, soc)
	require.True(t, ok)
	require.Equal(t, "alert", ev.Name)
	require.Equal(t, 1, ev.Severity)
	require.Equal(t, 443, ev.DestPort)
}

func TestNormalizeCanaryLineExtractsAliasedSourceIP(t *testing.T) {
	ev, ok := NormalizeCanaryLine(`{"remote_addr":"198.51.100.9","time":"2026-01-01T00:00:00Z"}`)
	require.True(t, ok)
	require.Equal(t, "canary", ev.Name)
	require.Equal(t, "198.51.100.9", ev.SrcIP)
	require.Equal(t, 0, ev.Severity)
}

func TestNormalizeCanaryLineRejectsMissingSource(t *testing.T) {
	_, ok := NormalizeCanaryLine(`{"message":"no address here"}`)
	require.False(t, ok)
}
