package syncer

import (
	"testing"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentWithoutIDOrIdentityIsIdle(t *testing.T) {
	h := newHarness(t)

	anonymous, err := h.service.SubscribeDocument("products", "a")
	require.NoError(t, err)
	defer anonymous.Close()

	h.identity.signIn("u1")
	blank, err := h.service.SubscribeDocument("products", " ")
	require.NoError(t, err)
	defer blank.Close()

	snapshot := blank.Snapshot()
	assert.Nil(t, snapshot.Data)
	assert.False(t, snapshot.IsLoading)
	assert.False(t, snapshot.NotFound)
	assert.Empty(t, snapshot.LastError)
	assert.Equal(t, StateIdle, snapshot.State)

	// the anonymous view re-subscribed when the identity appeared; the blank one never does
	calls := h.store.documents()
	require.Len(t, calls, 1)
	assert.Equal(t, "a", calls[0].id)
	assert.Equal(t, "partitions/fishmarket/products", calls[0].path)
}

func TestDocumentDeliveryReplacesData(t *testing.T) {
	h := newHarness(t)
	h.identity.signIn("u1")

	view, err := h.service.SubscribeDocument("products", "a")
	require.NoError(t, err)
	defer view.Close()
	assert.True(t, view.Snapshot().IsLoading)

	call := h.store.documents()[0]
	document := product("a", "Salmon")
	call.onSnapshot(&document)

	snapshot := view.Snapshot()
	require.NotNil(t, snapshot.Data)
	assert.Equal(t, "a", snapshot.Data.ID)
	assert.Equal(t, "Salmon", snapshot.Data.Merged()["name"])
	assert.Equal(t, "a", snapshot.Data.Merged()[store.IDField])
	assert.False(t, snapshot.NotFound)
	assert.Equal(t, StateActive, snapshot.State)
}

func TestDocumentNotFoundIsNotAnError(t *testing.T) {
	h := newHarness(t)
	h.identity.signIn("u1")

	view, err := h.service.SubscribeDocument("products", "missing")
	require.NoError(t, err)
	defer view.Close()

	h.store.documents()[0].onSnapshot(nil)

	snapshot := view.Snapshot()
	assert.Nil(t, snapshot.Data)
	assert.True(t, snapshot.NotFound)
	assert.Empty(t, snapshot.LastError)
	assert.False(t, snapshot.IsLoading)

	notices := h.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeNotFound, notices[0].Kind)
	assert.Equal(t, "missing", notices[0].DocumentID)
}

func TestDocumentErrorKeepsData(t *testing.T) {
	h := newHarness(t)
	h.identity.signIn("u1")

	view, err := h.service.SubscribeDocument("products", "a")
	require.NoError(t, err)
	defer view.Close()

	call := h.store.documents()[0]
	document := product("a", "Salmon")
	call.onSnapshot(&document)
	call.onError(domain.NewRemoteError(domain.CodeUnavailable, "offline", nil))

	snapshot := view.Snapshot()
	require.NotNil(t, snapshot.Data)
	assert.Equal(t, "a", snapshot.Data.ID)
	assert.Equal(t, "unavailable: offline", snapshot.LastError)
	assert.False(t, snapshot.NotFound)
	assert.Equal(t, StateError, snapshot.State)

	notices := h.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeError, notices[0].Kind)
}

func TestDocumentRetargetAndSignOut(t *testing.T) {
	h := newHarness(t)
	h.identity.signIn("u1")

	view, err := h.service.SubscribeDocument("products", "a")
	require.NoError(t, err)
	defer view.Close()

	require.NoError(t, view.Retarget("products", "b"))
	assert.Equal(t, []string{"open:document#1", "close:document#1", "open:document#2"}, h.store.entries())

	stale := product("a", "Salmon")
	h.store.documents()[0].onSnapshot(&stale)
	assert.Nil(t, view.Snapshot().Data)

	h.identity.signOut()
	assert.Equal(t, 1, h.store.documents()[1].subscription.closeCount())
	snapshot := view.Snapshot()
	assert.Nil(t, snapshot.Data)
	assert.False(t, snapshot.IsLoading)
	assert.Equal(t, StateIdle, snapshot.State)

	view.Close()
	assert.Zero(t, h.identity.observerCount())
}
