package ormap

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreCollector(t *testing.T) {
	db := openTestDB(t)
	m := newPebbleMap(t, db, "ns", nil)
	require.Nil(t, m.Set("a", 1.0))
	require.Nil(t, m.Set("b", 2.0))

	reg := prometheus.NewRegistry()
	require.Nil(t, reg.Register(NewStoreCollector(db, map[string]*Map{"ns": m})))

	families, err := reg.Gather()
	require.Nil(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() != "ormap_live_pairs" {
			continue
		}
		found = true
		require.Equal(t, 1, len(mf.GetMetric()))
		metric := mf.GetMetric()[0]
		assert.Equal(t, 2.0, metric.GetGauge().GetValue())
		require.Equal(t, 1, len(metric.GetLabel()))
		assert.Equal(t, "ns", metric.GetLabel()[0].GetValue())
	}
	assert.True(t, found, "ormap_live_pairs not exported")
}
