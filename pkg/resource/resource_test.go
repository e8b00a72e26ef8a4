package resource

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind("s3_bucket")
	require.NoError(t, err)
	assert.Equal(t, KindBucket, k)

	_, err = ParseKind("gcs_bucket")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gcs_bucket")
}

func TestKinds_AllDecodable(t *testing.T) {
	for _, k := range Kinds() {
		_, err := Decode(k, []byte(`{}`))
		assert.NoError(t, err, "kind %s", k)
	}
}

func TestDecode_RoundTripsConcreteType(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sg := SecurityGroup{
		GroupID:   "sg-123",
		GroupName: "web",
		Ingress: []IngressRule{
			{Protocol: "tcp", FromPort: 22, ToPort: 22, CIDRs: []string{"0.0.0.0/0"}},
		},
		DiscoveredAt: now,
	}
	data, err := json.Marshal(sg)
	require.NoError(t, err)

	rec, err := Decode(KindSecurityGroup, data)
	require.NoError(t, err)

	got, ok := rec.(SecurityGroup)
	require.True(t, ok)
	assert.Equal(t, "sg-123", got.Key())
	assert.Equal(t, KindSecurityGroup, got.Kind())
	assert.True(t, got.ObservedAt().Equal(now))
	assert.Equal(t, []string{"0.0.0.0/0"}, got.Ingress[0].CIDRs)
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode(Kind("nope"), []byte(`{}`))
	require.Error(t, err)
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode(KindBucket, []byte(`{`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode s3_bucket")
}

func TestOf_FiltersByType(t *testing.T) {
	records := []Record{
		StorageBucket{Name: "a"},
		ComputeInstance{InstanceID: "i-1"},
		StorageBucket{Name: "b"},
	}

	buckets := Of[StorageBucket](records)
	require.Len(t, buckets, 2)
	assert.Equal(t, "a", buckets[0].Name)
	assert.Equal(t, "b", buckets[1].Name)
	assert.Equal(t, []string{"a", "i-1", "b"}, Keys(records))
}
