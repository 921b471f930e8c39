package condense

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriswithf/broker-condense-proxy/internal/broker"
)

func batchOf(bodies ...string) Batch {
	msgs := make([]BufferedMessage, len(bodies))
	for i, body := range bodies {
		msgs[i] = BufferedMessage{
			Original:  &broker.Message{ID: body},
			Content:   body,
			ArrivalMs: int64(1000 + i),
		}
	}
	return Batch{Key: "k", Messages: msgs}
}

func TestBuildEnvelopeCountAndMetadata(t *testing.T) {
	batch := batchOf(`{"v":1}`, `{"v":2}`, `{"v":3}`)
	env := BuildEnvelope(batch, []string{"timestamp"})

	assert.Equal(t, 3, env.Count)
	require.Len(t, env.OriginalsMetadata, 3)
	// FirstTimestamp/LastTimestamp are business-level values extracted
	// during Materialize, not the buffer's admission bookkeeping — they
	// are unset until Materialize has run.
	assert.Nil(t, env.FirstTimestamp)
	assert.Nil(t, env.LastTimestamp)
}

func TestBuildEnvelopeTimestampRangeReflectsBusinessContentAfterMaterialize(t *testing.T) {
	batch := batchOf(
		`{"v":42,"timestamp":1000}`,
		`{"v":42,"timestamp":1001}`,
		`{"v":42,"timestamp":1002}`,
	)
	env := BuildEnvelope(batch, []string{"timestamp"})

	_, err := env.Materialize()
	require.NoError(t, err)

	require.NotNil(t, env.FirstTimestamp)
	require.NotNil(t, env.LastTimestamp)
	assert.EqualValues(t, 1000, *env.FirstTimestamp)
	assert.EqualValues(t, 1002, *env.LastTimestamp)
}

func TestMaterializeAttachesCondensedMeta(t *testing.T) {
	batch := batchOf(
		`{"v":42,"timestamp":1000}`,
		`{"v":42,"timestamp":1001}`,
		`{"v":42,"timestamp":1002}`,
	)
	env := BuildEnvelope(batch, []string{"timestamp"})

	body, err := env.Materialize()
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(body), &top))

	_, hasTimestamp := top["timestamp"]
	assert.False(t, hasTimestamp, "timestamp must be dropped from the aggregated content")

	var v int
	require.NoError(t, json.Unmarshal(top["v"], &v))
	assert.Equal(t, 42, v)

	var meta condensedMetaBlock
	require.NoError(t, json.Unmarshal(top[MetaFieldName], &meta))
	assert.True(t, meta.Condensed)
	assert.Equal(t, 3, meta.Count)
	assert.Equal(t, []int64{1000, 1001, 1002}, meta.OriginalTimestamps)
	require.NotNil(t, meta.FirstTimestamp)
	require.NotNil(t, meta.LastTimestamp)
	assert.EqualValues(t, 1000, *meta.FirstTimestamp)
	assert.EqualValues(t, 1002, *meta.LastTimestamp)
}

func TestMaterializeSkipsNonNumericTimestamps(t *testing.T) {
	batch := batchOf(
		`{"v":1,"timestamp":1000}`,
		`{"v":1,"timestamp":"not-a-number"}`,
	)
	env := BuildEnvelope(batch, []string{"timestamp"})
	body, err := env.Materialize()
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(body), &top))
	var meta condensedMetaBlock
	require.NoError(t, json.Unmarshal(top[MetaFieldName], &meta))
	assert.Equal(t, []int64{1000}, meta.OriginalTimestamps)
}

func TestMaterializeNonObjectHeadReturnsUnchanged(t *testing.T) {
	batch := batchOf(`[1,2,3]`)
	env := BuildEnvelope(batch, []string{"timestamp"})

	body, err := env.Materialize()
	require.NoError(t, err)
	assert.Equal(t, `[1,2,3]`, body)
	assert.Nil(t, env.FirstTimestamp)
	assert.Nil(t, env.LastTimestamp)
}

func TestMaterializeIsIdempotent(t *testing.T) {
	batch := batchOf(`{"v":1,"timestamp":1000}`)
	env := BuildEnvelope(batch, []string{"timestamp"})

	b1, err := env.Materialize()
	require.NoError(t, err)
	b2, err := env.Materialize()
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestMaterializeEmptyTimestampListOmitsFirstLast(t *testing.T) {
	batch := batchOf(`{"v":1}`)
	env := BuildEnvelope(batch, []string{"timestamp"})

	body, err := env.Materialize()
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(body), &top))
	var meta condensedMetaBlock
	require.NoError(t, json.Unmarshal(top[MetaFieldName], &meta))
	assert.Nil(t, meta.FirstTimestamp)
	assert.Nil(t, meta.LastTimestamp)
	assert.Empty(t, meta.OriginalTimestamps)
	assert.Nil(t, env.FirstTimestamp, "envelope-level FirstTimestamp must mirror the body's _condensedMeta.firstTimestamp")
	assert.Nil(t, env.LastTimestamp)
}
