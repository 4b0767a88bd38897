package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sylvia-iot/broker-go/internal/broker/model"
	modelmemory "github.com/sylvia-iot/broker-go/internal/broker/model/memory"
)

type fakeCorrelator struct {
	expired []*model.DlDataBuffer
}

func (f *fakeCorrelator) CorrelateExpired(ctx context.Context, buf *model.DlDataBuffer) {
	f.expired = append(f.expired, buf)
}

func TestSweepOnceDeletesAndCorrelatesExpiredBuffers(t *testing.T) {
	ctx := context.Background()
	store := modelmemory.New()

	require.NoError(t, store.DlDataBuffers().Add(ctx, &model.DlDataBuffer{
		DataID:    "expired-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, store.DlDataBuffers().Add(ctx, &model.DlDataBuffer{
		DataID:    "fresh-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	correlator := &fakeCorrelator{}
	s := New(store, correlator, time.Minute)

	s.sweepOnce(ctx)

	require.Len(t, correlator.expired, 1)
	require.Equal(t, "expired-1", correlator.expired[0].DataID)

	_, err := store.DlDataBuffers().Get(ctx, model.Cond{"data_id": "expired-1"})
	require.Error(t, err)

	fresh, err := store.DlDataBuffers().Get(ctx, model.Cond{"data_id": "fresh-1"})
	require.NoError(t, err)
	require.Equal(t, "fresh-1", fresh.DataID)
}

func TestSweepOnceNoopWhenNothingExpired(t *testing.T) {
	ctx := context.Background()
	store := modelmemory.New()
	require.NoError(t, store.DlDataBuffers().Add(ctx, &model.DlDataBuffer{
		DataID:    "fresh-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	correlator := &fakeCorrelator{}
	s := New(store, correlator, time.Minute)
	s.sweepOnce(ctx)

	require.Empty(t, correlator.expired)
}
