package store

import (
	"net/netip"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/busybox42/aegis-crawler/pkg/types"
)

var (
	addrA = netip.MustParseAddrPort("11.11.11.11:1000")
	addrB = netip.MustParseAddrPort("22.22.22.22:2000")
	addrC = netip.MustParseAddrPort("33.33.33.33:3000")
)

func TestLinkSetReplace(t *testing.T) {
	now := time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewLinkSet(types.NewLink(addrA, addrB, now.Add(-time.Hour)))

	s.Replace(types.NewLink(addrB, addrA, now))

	require.Equal(t, 1, s.Len())
	l, ok := s.Get(addrA, addrB)
	require.True(t, ok)
	require.Equal(t, now, l.LastSeen)

	rev, ok := s.Get(addrB, addrA)
	require.True(t, ok)
	require.Equal(t, l, rev)
}

func TestLinkSetStaleAbsent(t *testing.T) {
	now := time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)
	cutoff := 4 * time.Hour

	s := NewLinkSet(
		types.NewLink(addrA, addrB, now.Add(-5*time.Hour)), // stale, touches A
		types.NewLink(addrA, addrC, now.Add(-3*time.Hour)), // recent, touches A
		types.NewLink(addrB, addrC, now.Add(-9*time.Hour)), // stale, does not touch A
	)

	stale := s.StaleAbsent(addrA, map[types.LinkKey]struct{}{}, cutoff, now)
	require.Equal(t, []types.LinkKey{types.KeyOf(addrA, addrB)}, stale)

	reported := map[types.LinkKey]struct{}{types.KeyOf(addrA, addrB): {}}
	require.Empty(t, s.StaleAbsent(addrA, reported, cutoff, now))
}

func TestLinkSetStaleAbsentWholeHours(t *testing.T) {
	now := time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)
	cutoff := 4 * time.Hour

	// 4h59m is still four whole hours and therefore not past the cutoff.
	s := NewLinkSet(types.NewLink(addrA, addrB, now.Add(-4*time.Hour-59*time.Minute)))
	require.Empty(t, s.StaleAbsent(addrA, nil, cutoff, now))

	s.Replace(types.NewLink(addrA, addrB, now.Add(-5*time.Hour)))
	require.Len(t, s.StaleAbsent(addrA, nil, cutoff, now), 1)
}

func TestLinkSetReconcileAndEndpoints(t *testing.T) {
	now := time.Now()
	s := NewLinkSet(types.NewLink(addrA, addrB, now))

	s.Reconcile(
		[]types.LinkKey{types.KeyOf(addrB, addrA)},
		[]types.Link{types.NewLink(addrA, addrC, now), types.NewLink(addrC, addrB, now)},
	)

	_, ok := s.Get(addrA, addrB)
	require.False(t, ok)
	require.Equal(t, 2, s.Len())

	endpoints := s.Endpoints()
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Compare(endpoints[j]) < 0 })
	require.Equal(t, []netip.AddrPort{addrA, addrB, addrC}, endpoints)
}

func TestLinkSetSnapshotIsCopy(t *testing.T) {
	s := NewLinkSet(types.NewLink(addrA, addrB, time.Now()))

	snap := s.Snapshot()
	delete(snap, types.KeyOf(addrA, addrB))

	require.Equal(t, 1, s.Len())
}
