package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbitcut/server/internal/classifier"
	"orbitcut/server/internal/loccache"
	"orbitcut/server/internal/spatial"
)

func noCache(uuid.UUID) (loccache.Snapshot, bool) { return loccache.Snapshot{}, false }

func TestCoalesceCancelsAddThenRemovePair(t *testing.T) {
	obj := uuid.New()
	evts := []spatial.NodeEvent{
		{Object: obj},
		{Object: obj, Removal: true},
	}
	assert.Empty(t, coalesce(evts))
}

func TestCoalesceKeepsUnrelatedEvents(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	evts := []spatial.NodeEvent{
		{Object: a},
		{Object: b, Removal: true},
	}
	out := coalesce(evts)
	require.Len(t, out, 2)
}

func TestDrainQueryLoneRootAnnouncementCarriesIndexProperties(t *testing.T) {
	p := New(32)
	client := uuid.New()
	query := uuid.New()
	root := uuid.New()

	raw := []spatial.NodeEvent{{Object: root, LoneRootCandidate: true}}
	updates, effects := p.DrainQuery(client, query, raw, classifier.Static, "static", noCache)

	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].IndexProperties)
	assert.Equal(t, 0, updates[0].IndexProperties.ID)
	require.Len(t, updates[0].Addition, 1)
	assert.Equal(t, uint64(0), updates[0].Addition[0].Seqno)
	require.Len(t, effects, 1)
	assert.True(t, effects[0].Install)

	// A second drain for the same query must not repeat the announcement.
	raw2 := []spatial.NodeEvent{{Object: root, LoneRootCandidate: true}}
	updates2, _ := p.DrainQuery(client, query, raw2, classifier.Static, "static", noCache)
	require.Len(t, updates2, 1)
	assert.Nil(t, updates2[0].IndexProperties)
}

func TestDrainQuerySeqnosAreDenseAndMonotonic(t *testing.T) {
	p := New(2)
	client := uuid.New()
	query := uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	raw := []spatial.NodeEvent{{Object: a}, {Object: b}, {Object: c}}
	updates, _ := p.DrainQuery(client, query, raw, classifier.Static, "static", noCache)

	var seqnos []uint64
	for _, u := range updates {
		for _, add := range u.Addition {
			seqnos = append(seqnos, add.Seqno)
		}
	}
	require.Len(t, seqnos, 3)
	for i := 1; i < len(seqnos); i++ {
		assert.Equal(t, seqnos[i-1]+1, seqnos[i])
	}
}

func TestForgetClearsBundleAndSeenTrees(t *testing.T) {
	p := New(32)
	client := uuid.New()
	query := uuid.New()
	root := uuid.New()

	raw := []spatial.NodeEvent{{Object: root, LoneRootCandidate: true}}
	p.DrainQuery(client, query, raw, classifier.Static, "static", noCache)
	p.Forget(client)

	raw2 := []spatial.NodeEvent{{Object: root, LoneRootCandidate: true}}
	updates, _ := p.DrainQuery(client, query, raw2, classifier.Static, "static", noCache)
	require.Len(t, updates, 1)
	assert.NotNil(t, updates[0].IndexProperties, "forgetting a client resets both its sequence bundle and seen-tree state")
	require.Len(t, updates[0].Addition, 1)
	assert.Equal(t, uint64(0), updates[0].Addition[0].Seqno, "a fresh sequence bundle restarts seqnos at 0")
}
