package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-relay/internal/relay"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type fixedIDs struct {
	id string
}

func (g fixedIDs) NewID() (string, error) { return g.id, nil }

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *RequestStore, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewRequestStoreWithDB(mock, "content_requests", fixedClock{now: now}, fixedIDs{id: "generated-id"})
	require.NoError(t, err)
	return mock, store, now
}

func TestCreateInsertsRowAndNotifies(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)

	mock.ExpectExec("INSERT INTO content_requests").
		WithArgs(
			"generated-id",
			int64(77),
			"https://www.instagram.com/reel/DAbc987/",
			"DAbc987",
			[]byte(`{"user_name":"jane","first_name":"Jane"}`),
			12,
			"pending",
			0,
			now,
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("SELECT pg_notify").
		WithArgs(NotifyChannel, "generated-id").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	id, err := store.Create(context.Background(), relay.Request{
		ChatID:      77,
		SourceURL:   "https://www.instagram.com/reel/DAbc987/",
		ShortCode:   "DAbc987",
		RequestedBy: relay.Requester{UserName: "jane", FirstName: "Jane"},
		MessageID:   12,
	})
	require.NoError(t, err)
	require.Equal(t, "generated-id", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateToleratesNotifyFailure(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)

	mock.ExpectExec("INSERT INTO content_requests").
		WithArgs(
			"generated-id",
			int64(0),
			"",
			"",
			[]byte(`{"user_name":"","first_name":""}`),
			0,
			"pending",
			0,
			now,
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("SELECT pg_notify").
		WithArgs(NotifyChannel, "generated-id").
		WillReturnError(errors.New("connection reset"))

	// The row committed; a lost notification only delays pickup until the
	// next reconciliation sweep.
	id, err := store.Create(context.Background(), relay.Request{})
	require.NoError(t, err)
	require.Equal(t, "generated-id", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsNotFoundForMissingRow(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)

	mock.ExpectQuery("SELECT id, chat_id, source_url").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "chat_id", "source_url", "short_code", "requested_by",
			"message_id", "status", "retry_count", "created_at", "updated_at",
		}))

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, relay.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueIncrementsRetryCount(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)

	mock.ExpectExec("UPDATE content_requests SET status = \\$2, retry_count = retry_count \\+ 1").
		WithArgs("req-1", "pending", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.Requeue(context.Background(), "req-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMissingRowIsNoOp(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)

	mock.ExpectExec("DELETE FROM content_requests").
		WithArgs("gone").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, store.Delete(context.Background(), "gone"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingScansRowsInOrder(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)

	rows := pgxmock.NewRows([]string{
		"id", "chat_id", "source_url", "short_code", "requested_by",
		"message_id", "status", "retry_count", "created_at", "updated_at",
	}).
		AddRow("req-1", int64(1), "url-1", "c1", []byte(`{"user_name":"a","first_name":"A"}`),
			10, "pending", 0, now.Add(-time.Minute), now.Add(-time.Minute)).
		AddRow("req-2", int64(2), "url-2", "c2", []byte(`{}`),
			11, "pending", 3, now, now)

	mock.ExpectQuery("SELECT id, chat_id, source_url").
		WithArgs("pending", 5).
		WillReturnRows(rows)

	pending, err := store.ListPending(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "req-1", pending[0].ID)
	require.Equal(t, relay.Requester{UserName: "a", FirstName: "A"}, pending[0].RequestedBy)
	require.Equal(t, 3, pending[1].RetryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseStalledReportsRowCount(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)
	cutoff := now.Add(-15 * time.Minute)

	mock.ExpectExec("UPDATE content_requests SET status = \\$1, updated_at = \\$2").
		WithArgs("pending", now, "processing", cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	released, err := store.ReleaseStalled(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, 2, released)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsRecordProcessedUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Unix(1700000000, 0).UTC()
	sink, err := NewMetricsStore(mock, "relay_metrics", fixedClock{now: now})
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO relay_metrics").
		WithArgs("video", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, sink.RecordProcessed(context.Background(), relay.KindVideo))
	require.NoError(t, mock.ExpectationsWereMet())
}
