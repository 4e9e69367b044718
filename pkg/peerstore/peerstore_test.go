package peerstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scottdkey/halvor/pkg/types"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGetRoundTrip(t *testing.T) {
	s := openTemp(t)
	record := types.PeerRecord{Hostname: "anvil", OverlayIP: "100.64.0.2", Status: types.PeerStatusActive}
	require.NoError(t, s.Upsert(record))

	got, found, err := s.Get("anvil")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "100.64.0.2", got.OverlayIP)
}

func TestGetIsCaseInsensitiveOnHostname(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Upsert(types.PeerRecord{Hostname: "Anvil", Status: types.PeerStatusActive}))

	_, found, err := s.Get("anvil")
	require.NoError(t, err)
	require.True(t, found)
}

func TestDeleteByHostnameRemovesRecord(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Upsert(types.PeerRecord{Hostname: "anvil", Status: types.PeerStatusActive}))
	require.NoError(t, s.DeleteByHostname("anvil"))

	_, found, err := s.Get("anvil")
	require.NoError(t, err)
	require.False(t, found)
}

func TestActivePeersExcludesNonActive(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Upsert(types.PeerRecord{Hostname: "anvil", Status: types.PeerStatusActive}))
	require.NoError(t, s.Upsert(types.PeerRecord{Hostname: "forge", Status: types.PeerStatusPending}))

	active, err := s.ActivePeers()
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "anvil", active[0].Hostname)
}

func TestRenameHostnameCarriesRecordForward(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Upsert(types.PeerRecord{Hostname: "old-name", OverlayIP: "100.64.0.9", Status: types.PeerStatusActive}))
	require.NoError(t, s.RenameHostname("old-name", "new-name"))

	_, found, err := s.Get("old-name")
	require.NoError(t, err)
	require.False(t, found)

	got, found, err := s.Get("new-name")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "100.64.0.9", got.OverlayIP)
	require.Equal(t, "new-name", got.Hostname)
}

func TestUpdateLastSeenBumpsTimestampOnly(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Upsert(types.PeerRecord{Hostname: "anvil", OverlayIP: "100.64.0.2", Status: types.PeerStatusActive}))

	now := time.Now()
	require.NoError(t, s.UpdateLastSeen("anvil", now))

	got, found, err := s.Get("anvil")
	require.NoError(t, err)
	require.True(t, found)
	require.WithinDuration(t, now, got.LastSeenAt, time.Second)
	require.Equal(t, "100.64.0.2", got.OverlayIP)
}
