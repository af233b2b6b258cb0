package tokenstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/wardgate/pkg/slogx"
	"github.com/stretchr/testify/require"
)

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) Purge(context.Context) (int64, error) {
	p.calls.Add(1)
	return 1, p.err
}

func TestHousekeeperPurgesOnStartAndInterval(t *testing.T) {
	t.Parallel()

	p := &countingPurger{}
	h := NewHousekeeper(p, slogx.Discard(), 10*time.Millisecond)
	h.Start()

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	h.Stop()

	after := p.calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, p.calls.Load())
}

func TestHousekeeperSurvivesPurgeErrors(t *testing.T) {
	t.Parallel()

	p := &countingPurger{err: errors.New("database is locked")}
	h := NewHousekeeper(p, slogx.Discard(), 10*time.Millisecond)
	h.Start()

	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	h.Stop()
}

func TestNewHousekeeperDefaultsInterval(t *testing.T) {
	t.Parallel()

	h := NewHousekeeper(&countingPurger{}, nil, 0)
	require.Equal(t, time.Hour, h.Interval)
	require.NotNil(t, h.Logger)
}
