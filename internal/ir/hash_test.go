package ir

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageIDDeterminism(t *testing.T) {
	m := Message{Session: "s", Seq: 3, Kind: KindSet, Record: "M1", Key: "x", Value: Int(5), From: "v1"}

	id1, err := MessageID(m)
	require.NoError(t, err)
	id2, err := MessageID(m)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64)
	_, err = hex.DecodeString(id1)
	assert.NoError(t, err)
}

func TestMessageIDChangesWithContent(t *testing.T) {
	base := Message{Session: "s", Seq: 1, Kind: KindSet, Record: "M1", Key: "x", Value: Int(5)}
	baseID, err := MessageID(base)
	require.NoError(t, err)

	variants := map[string]Message{
		"seq":    {Session: "s", Seq: 2, Kind: KindSet, Record: "M1", Key: "x", Value: Int(5)},
		"value":  {Session: "s", Seq: 1, Kind: KindSet, Record: "M1", Key: "x", Value: Int(6)},
		"absent": {Session: "s", Seq: 1, Kind: KindSet, Record: "M1", Key: "x"},
		"from":   {Session: "s", Seq: 1, Kind: KindSet, Record: "M1", Key: "x", Value: Int(5), From: "v"},
	}
	for name, m := range variants {
		t.Run(name, func(t *testing.T) {
			id, err := MessageID(m)
			require.NoError(t, err)
			assert.NotEqual(t, baseID, id)
		})
	}
}

func TestMessageIDIgnoresExistingID(t *testing.T) {
	m := Message{Session: "s", Seq: 1, Kind: KindSet, Record: "M1", Key: "x", Value: Int(5)}
	sequenced, err := m.Sequenced(1)
	require.NoError(t, err)

	again, err := sequenced.Sequenced(1)
	require.NoError(t, err)
	assert.Equal(t, sequenced.ID, again.ID)
}

func TestSpecHashKeyOrderIndependent(t *testing.T) {
	a := Object{"x": Int(1), "child": Object{"y": Int(2)}}
	b := Object{"child": Object{"y": Int(2)}, "x": Int(1)}

	assert.Equal(t, MustSpecHash(a), MustSpecHash(b))
	assert.NotEqual(t, MustSpecHash(a), MustSpecHash(Object{"x": Int(1)}))
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`{}`)
	assert.NotEqual(t, hashWithDomain(DomainMessage, data), hashWithDomain(DomainSpec, data))
}
