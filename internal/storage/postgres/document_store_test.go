package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
)

func TestUpsertWritesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock, DocumentStoreConfig{CrawlerID: "crawl-1"})
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	req := crawler.UpsertRequest{
		Reference:   "https://example.com",
		ContentType: "text/html",
		Checksum:    "abc123",
		Metadata:    map[string][]string{"Content-Type": {"text/html"}},
		Content:     []byte("<html></html>"),
		Depth:       1,
		CommittedAt: now,
	}

	mock.ExpectExec("INSERT INTO crawled_documents").
		WithArgs(
			req.Reference,
			"crawl-1",
			req.ContentType,
			req.Checksum,
			[]byte(`{"Content-Type":["text/html"]}`),
			[]byte(nil),
			req.Depth,
			req.CommittedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), req))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStoresContentWhenEnabled(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock, DocumentStoreConfig{Table: "docs", StoreContent: true})
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO docs").
		WithArgs("r", "", "", "", []byte(`{}`), []byte("body"), 0, time.Time{}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), crawler.UpsertRequest{Reference: "r", Content: []byte("body")}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMarksRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock, DocumentStoreConfig{})
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawled_documents SET deleted_at").
		WithArgs("https://example.com/gone", "orphan").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.Delete(context.Background(), crawler.DeleteRequest{Reference: "https://example.com/gone", Reason: "orphan"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock, DocumentStoreConfig{})
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawled_documents").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDocumentStoreWithPool(nil, DocumentStoreConfig{})
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewDocumentStoreWithPool(mock, DocumentStoreConfig{Table: "bad-name;"})
	require.Error(t, err)

	store, err := NewDocumentStoreWithPool(mock, DocumentStoreConfig{})
	require.NoError(t, err)
	require.Error(t, store.Upsert(context.Background(), crawler.UpsertRequest{}))
	require.Error(t, store.Delete(context.Background(), crawler.DeleteRequest{}))

	_, err = NewDocumentStore(context.Background(), DocumentStoreConfig{})
	require.Error(t, err)
}
