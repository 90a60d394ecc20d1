package contact_test

import (
	"context"
	"testing"

	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/contact"
	"github.com/kasuganosora/nearchat/model"
	"github.com/kasuganosora/nearchat/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*contact.Graph, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	return contact.NewGraph(db, zap.NewNop()), db
}

func ids(users []model.User) []int64 {
	out := make([]int64, len(users))
	for i, u := range users {
		out[i] = u.ID
	}
	return out
}

func TestRequestAccept_Symmetric(t *testing.T) {
	g, db := setup(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, db, "alice")
	bob := testutil.CreateUser(t, db, "bob")

	require.NoError(t, g.Request(ctx, alice.ID, bob.ID))

	pending, err := g.ListIncomingPending(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{alice.ID}, ids(pending))

	pending, err = g.ListIncomingPending(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "outgoing requests are not incoming")

	ok, err := g.IsAccepted(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Accept(ctx, bob.ID, alice.ID))

	for _, pair := range [][2]int64{{alice.ID, bob.ID}, {bob.ID, alice.ID}} {
		ok, err := g.IsAccepted(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, ok)
	}

	list, err := g.ListAccepted(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{bob.ID}, ids(list))
	list, err = g.ListAccepted(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{alice.ID}, ids(list))

	pending, err = g.ListIncomingPending(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var rows int64
	db.Model(&model.Contact{}).Count(&rows)
	assert.Equal(t, int64(1), rows, "one row per pair")
}

func TestRequest_Self(t *testing.T) {
	g, db := setup(t)
	alice := testutil.CreateUser(t, db, "alice")
	err := g.Request(context.Background(), alice.ID, alice.ID)
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestRequest_UnknownTarget(t *testing.T) {
	g, db := setup(t)
	alice := testutil.CreateUser(t, db, "alice")
	err := g.Request(context.Background(), alice.ID, 4242)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRequest_Duplicates(t *testing.T) {
	g, db := setup(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, db, "alice")
	bob := testutil.CreateUser(t, db, "bob")

	require.NoError(t, g.Request(ctx, alice.ID, bob.ID))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(g.Request(ctx, alice.ID, bob.ID)))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(g.Request(ctx, bob.ID, alice.ID)),
		"reverse pending request")

	require.NoError(t, g.Accept(ctx, bob.ID, alice.ID))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(g.Request(ctx, alice.ID, bob.ID)))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(g.Request(ctx, bob.ID, alice.ID)))
}

func TestAccept_NotFound(t *testing.T) {
	g, db := setup(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, db, "alice")
	bob := testutil.CreateUser(t, db, "bob")

	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(g.Accept(ctx, bob.ID, alice.ID)))

	require.NoError(t, g.Request(ctx, alice.ID, bob.ID))
	// Only the target can accept.
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(g.Accept(ctx, alice.ID, bob.ID)))
	require.NoError(t, g.Accept(ctx, bob.ID, alice.ID))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(g.Accept(ctx, bob.ID, alice.ID)),
		"already accepted")
}

func TestReject_ThenRequestAgain(t *testing.T) {
	g, db := setup(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, db, "alice")
	bob := testutil.CreateUser(t, db, "bob")

	require.NoError(t, g.Request(ctx, alice.ID, bob.ID))
	require.NoError(t, g.Reject(ctx, bob.ID, alice.ID))

	ok, _ := g.IsAccepted(ctx, alice.ID, bob.ID)
	assert.False(t, ok)
	pending, _ := g.ListIncomingPending(ctx, bob.ID)
	assert.Empty(t, pending)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(g.Accept(ctx, bob.ID, alice.ID)))

	// Either side may reopen a rejected pair.
	require.NoError(t, g.Request(ctx, bob.ID, alice.ID))
	pending, err := g.ListIncomingPending(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{bob.ID}, ids(pending))
	require.NoError(t, g.Accept(ctx, alice.ID, bob.ID))

	ok, _ = g.IsAccepted(ctx, bob.ID, alice.ID)
	assert.True(t, ok)
}

func TestListAccepted_Many(t *testing.T) {
	g, db := setup(t)
	ctx := context.Background()
	me := testutil.CreateUser(t, db, "me")
	zed := testutil.CreateUser(t, db, "zed")
	amy := testutil.CreateUser(t, db, "amy")
	pat := testutil.CreateUser(t, db, "pat")

	require.NoError(t, g.Request(ctx, me.ID, zed.ID))
	require.NoError(t, g.Accept(ctx, zed.ID, me.ID))
	require.NoError(t, g.Request(ctx, amy.ID, me.ID))
	require.NoError(t, g.Accept(ctx, me.ID, amy.ID))
	require.NoError(t, g.Request(ctx, pat.ID, me.ID))

	list, err := g.ListAccepted(ctx, me.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{amy.ID, zed.ID}, ids(list))

	list, err = g.ListAccepted(ctx, pat.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}
