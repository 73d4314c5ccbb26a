package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starchat/internal/storage"
	"starchat/internal/storage/storagetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestUpsertUserKeepsQuota(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()

	u, err := store.UpsertUser(ctx, "42", "alice", 1000, t0)
	require.NoError(t, err)
	assert.Equal(t, storage.PlanFree, u.Plan)
	assert.Equal(t, int64(1000), u.DailyTokenLimit)
	assert.Equal(t, t0, u.LastResetAt)

	_, err = store.CommitUsage(ctx, "42", 300, t0.Add(time.Minute), 24*time.Hour)
	require.NoError(t, err)

	u, err = store.UpsertUser(ctx, "42", "alice_new", 1000, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "alice_new", u.Username)
	assert.Equal(t, int64(300), u.TokensUsedToday)
	assert.Equal(t, t0, u.CreatedAt)
}

func TestGetUserNotFound(t *testing.T) {
	store := storagetest.Open(t)
	_, err := store.GetUser(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCommitUsageWindow(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()
	_, err := store.UpsertUser(ctx, "1", "u", 1000, t0)
	require.NoError(t, err)

	u, err := store.CommitUsage(ctx, "1", 100, t0.Add(time.Hour), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.TokensUsedToday)
	assert.Equal(t, t0, u.LastResetAt)

	u, err = store.CommitUsage(ctx, "1", 50, t0.Add(24*time.Hour), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(150), u.TokensUsedToday, "exactly 24h is still inside the window")

	later := t0.Add(25 * time.Hour)
	u, err = store.CommitUsage(ctx, "1", 40, later, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(40), u.TokensUsedToday)
	assert.Equal(t, later, u.LastResetAt)

	_, err = store.CommitUsage(ctx, "nobody", 1, later, 24*time.Hour)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCommitUsageConcurrentNoLostUpdates(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()
	_, err := store.UpsertUser(ctx, "1", "u", 100000, t0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CommitUsage(ctx, "1", 5, t0.Add(time.Minute), 24*time.Hour)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u, err := store.GetUser(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.TokensUsedToday)
}

func TestCreditStars(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()
	_, err := store.UpsertUser(ctx, "1", "u", 1000, t0)
	require.NoError(t, err)

	u, err := store.CreditStars(ctx, "1", 1, 10000, t0)
	require.NoError(t, err)
	assert.Equal(t, storage.PlanPro, u.Plan)
	assert.Equal(t, int64(10000), u.DailyTokenLimit)
	assert.Equal(t, int64(1), u.CreditsStars)

	u, err = store.CreditStars(ctx, "1", 49, 10000, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), u.CreditsStars)
	assert.Equal(t, int64(10000), u.DailyTokenLimit)
}

func TestDefaultConversationIsUnique(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()

	first, err := store.EnsureDefaultConversation(ctx, storage.Conversation{ID: "c1", UserID: "1", Title: "Default", CreatedAt: t0})
	require.NoError(t, err)
	second, err := store.EnsureDefaultConversation(ctx, storage.Conversation{ID: "c2", UserID: "1", Title: "Default", CreatedAt: t0})
	require.NoError(t, err)

	assert.Equal(t, "c1", first.ID)
	assert.Equal(t, "c1", second.ID)
	assert.True(t, second.IsDefault)

	list, err := store.ListConversations(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteConversationCascades(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()

	require.NoError(t, store.CreateConversation(ctx, storage.Conversation{ID: "a", UserID: "1", Title: "A", CreatedAt: t0}))
	require.NoError(t, store.CreateConversation(ctx, storage.Conversation{ID: "b", UserID: "1", Title: "B", CreatedAt: t0.Add(time.Second)}))
	for i, conv := range []string{"a", "a", "b"} {
		require.NoError(t, store.InsertMessage(ctx, storage.Message{
			ID: string(rune('x' + i)), UserID: "1", ConversationID: conv, Role: storage.RoleUser,
			KeyID: "k", IV: make([]byte, 12), Ciphertext: []byte("ct"), Tokens: 1, CreatedAt: t0,
		}))
	}

	ok, err := store.DeleteConversation(ctx, "2", "a")
	require.NoError(t, err)
	assert.False(t, ok, "other users cannot delete")

	ok, err = store.DeleteConversation(ctx, "1", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	msgs, err := store.ListRecentMessages(ctx, storage.MessageFilter{UserID: "1"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "b", msgs[0].ConversationID)

	_, err = store.GetConversation(ctx, "1", "a")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListRecentMessagesOrdering(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()

	ids := []string{"m1", "m2", "m3", "m4"}
	for _, id := range ids {
		require.NoError(t, store.InsertMessage(ctx, storage.Message{
			ID: id, UserID: "1", ConversationID: "c", Role: storage.RoleUser,
			KeyID: "k", IV: make([]byte, 12), Ciphertext: []byte(id), CreatedAt: t0,
		}))
	}

	msgs, err := store.ListRecentMessages(ctx, storage.MessageFilter{UserID: "1", ConversationID: "c", Limit: 3})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m4", msgs[0].ID)
	assert.Equal(t, "m2", msgs[2].ID)
	assert.Equal(t, []byte("m4"), msgs[0].Ciphertext)
}

func TestMarkPaymentPaidOnce(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePayment(ctx, storage.Payment{ID: "p1", UserID: "1", AmountStars: 10, Payload: "p1", CreatedAt: t0}))

	p, err := store.GetPayment(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentPending, p.Status)
	assert.Nil(t, p.PaidAt)

	ok, err := store.MarkPaymentPaid(ctx, "p1", "charge-1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkPaymentPaid(ctx, "p1", "charge-2", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	p, err = store.GetPayment(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.PaymentPaid, p.Status)
	assert.Equal(t, "charge-1", p.TelegramChargeID)
	require.NotNil(t, p.PaidAt)

	inserted, err := store.InsertPaidPayment(ctx, storage.Payment{ID: "p1", UserID: "1", AmountStars: 10, Payload: "p1", CreatedAt: t0})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestInTxRollsBack(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(q *storage.Queries) error {
		if _, err := q.UpsertUser(ctx, "1", "u", 1000, t0); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = store.GetUser(ctx, "1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteUserCascade(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()

	_, err := store.UpsertUser(ctx, "1", "u", 1000, t0)
	require.NoError(t, err)
	require.NoError(t, store.CreateConversation(ctx, storage.Conversation{ID: "c", UserID: "1", Title: "C", CreatedAt: t0}))
	require.NoError(t, store.CreatePayment(ctx, storage.Payment{ID: "p", UserID: "1", AmountStars: 5, Payload: "p", CreatedAt: t0}))
	require.NoError(t, store.AppendAudit(ctx, storage.AuditEntry{UserID: "1", Action: "test"}, t0))

	ok, err := store.DeleteUserCascade(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.GetUser(ctx, "1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetPayment(ctx, "p")
	require.ErrorIs(t, err, storage.ErrNotFound)
	audit, err := store.ListAudit(ctx, "1", 10)
	require.NoError(t, err)
	assert.Empty(t, audit)

	ok, err = store.DeleteUserCascade(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)
}
