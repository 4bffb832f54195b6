package shared

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestActorContext(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	require.False(t, ok)

	_, ok = ActorFromContext(ContextWithActor(context.Background(), Actor{}))
	require.False(t, ok)

	actor, ok := ActorFromContext(ContextWithActor(context.Background(), Actor{ID: "spv1", BranchID: "B1"}))
	require.True(t, ok)
	require.Equal(t, "B1", actor.BranchID)
}

func TestApprovalLogValidate(t *testing.T) {
	valid := ApprovalLog{Module: "pos.stock_override", RefID: uuid.New(), Actor: "spv1", Action: ApprovalApprove}
	require.NoError(t, valid.validate())

	missingActor := valid
	missingActor.Actor = ""
	require.Error(t, missingActor.validate())

	noRef := valid
	noRef.RefID = uuid.Nil
	require.Error(t, noRef.validate())

	unknown := valid
	unknown.Action = "SUBMIT"
	require.Error(t, unknown.validate())
}

func TestNilStoresAreSafe(t *testing.T) {
	var store *IdempotencyStore
	require.Error(t, store.CheckAndInsert(context.Background(), "k", "m"))
	require.NoError(t, store.Delete(context.Background(), "k"))
	require.NoError(t, store.Cleanup(context.Background(), 0))

	var audit *AuditLogger
	require.Error(t, audit.Record(context.Background(), AuditLog{Action: "a", Entity: "e", EntityID: "1"}))

	var approvals *ApprovalRecorder
	require.Error(t, approvals.Record(context.Background(), ApprovalLog{}))
}

func TestAuditLogNormalize(t *testing.T) {
	now := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

	_, err := AuditLog{Action: "stock:reconcile_fix", Entity: "stock_level"}.normalize(now)
	require.Error(t, err)

	log, err := AuditLog{Action: "stock:reconcile_fix", Entity: "stock_level", EntityID: "reconcile"}.normalize(now)
	require.NoError(t, err)
	require.Equal(t, SystemActor, log.Actor)
	require.Equal(t, now, log.At)
	require.NotNil(t, log.Meta)

	at := now.Add(-time.Hour)
	log, err = AuditLog{Actor: "kasir1", Action: "pos:void", Entity: "pos_transaction", EntityID: "t1", At: at}.normalize(now)
	require.NoError(t, err)
	require.Equal(t, "kasir1", log.Actor)
	require.Equal(t, at, log.At)
}
