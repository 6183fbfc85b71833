package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/runbox/internal/apperror"
	"github.com/sakif/runbox/internal/model"
)

func newTestAudit() (*AuditService, *mockExecutionRepo) {
	repo := &mockExecutionRepo{}
	return NewAuditService(repo, slog.New(slog.NewTextHandler(io.Discard, nil))), repo
}

func TestRecent_ClampsLimit(t *testing.T) {
	svc, repo := newTestAudit()

	_, err := svc.Recent(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultListLimit, repo.lastOpts.Limit)

	_, err = svc.Recent(context.Background(), 5000, " Python ")
	require.NoError(t, err)
	assert.Equal(t, MaxListLimit, repo.lastOpts.Limit)
	assert.Equal(t, "python", repo.lastOpts.Language)
}

func TestGet(t *testing.T) {
	svc, repo := newTestAudit()
	require.NoError(t, repo.Create(context.Background(), &model.Execution{Language: "c", Status: "Success"}))
	id := repo.rows[0].ID

	got, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "c", got.Language)

	_, err = svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = svc.Get(context.Background(), "  ")
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestPrune(t *testing.T) {
	svc, repo := newTestAudit()
	repo.rows = []model.Execution{
		{ID: "old", CreatedAt: time.Now().Add(-72 * time.Hour)},
		{ID: "new", CreatedAt: time.Now()},
	}

	n, err := svc.Prune(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.Len(t, repo.rows, 1)
	assert.Equal(t, "new", repo.rows[0].ID)
}

func TestRunRetention_StopsWithContext(t *testing.T) {
	svc, repo := newTestAudit()
	repo.rows = []model.Execution{{ID: "old", CreatedAt: time.Now().Add(-72 * time.Hour)}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunRetention(ctx, time.Hour, 24*time.Hour)
		close(done)
	}()

	assert.Eventually(t, func() bool { return repo.count() == 0 }, time.Second, 10*time.Millisecond,
		"first prune runs immediately")
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunRetention did not return after cancel")
	}
}
