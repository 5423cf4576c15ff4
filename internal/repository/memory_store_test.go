package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-npa-governance/internal/errors"
	"github.com/pesio-ai/be-npa-governance/internal/model"
)

func seedProposal(t *testing.T, s *MemoryStore) *model.Proposal {
	t.Helper()
	p := &model.Proposal{
		Title:     "FX forwards",
		Stage:     model.StageInitiation,
		Status:    model.StatusOnTrack,
		PIRStatus: model.PIRNotScheduled,
		CreatedBy: "maker",
	}
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertProposal(context.Background(), p)
	}))
	return p
}

func TestMemoryStore_RollbackDiscardsWork(t *testing.T) {
	s := NewMemoryStore()
	p := seedProposal(t, s)

	err := s.InTx(context.Background(), func(tx Tx) error {
		cur, err := tx.GetProposalForUpdate(context.Background(), p.ID)
		if err != nil {
			return err
		}
		cur.Stage = model.StageReview
		if err := tx.UpdateProposal(context.Background(), cur); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		got, err := tx.GetProposal(context.Background(), p.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StageInitiation, got.Stage)
		assert.Equal(t, 1, got.Version)
		return nil
	}))
}

func TestMemoryStore_StaleVersion(t *testing.T) {
	s := NewMemoryStore()
	p := seedProposal(t, s)

	err := s.InTx(context.Background(), func(tx Tx) error {
		fresh, err := tx.GetProposal(context.Background(), p.ID)
		if err != nil {
			return err
		}
		if err := tx.UpdateProposal(context.Background(), fresh); err != nil {
			return err
		}
		stale := p.Clone()
		return tx.UpdateProposal(context.Background(), stale)
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConcurrency))
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.InTx(ctx, func(tx Tx) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestMemoryStore_SignoffsAndAlerts(t *testing.T) {
	s := NewMemoryStore()
	p := seedProposal(t, s)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	so := &model.Signoff{
		ProposalID:  p.ID,
		Party:       "Operations",
		Status:      model.SignoffPending,
		SLAHours:    48,
		SLADeadline: now.Add(-time.Hour),
	}
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		if err := tx.InsertSignoff(context.Background(), so); err != nil {
			return err
		}
		dup := &model.Signoff{ProposalID: p.ID, Party: "operations", Status: model.SignoffPending}
		assert.True(t, errors.IsCode(tx.InsertSignoff(context.Background(), dup), errors.ErrCodeConflict))
		return nil
	}))

	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		overdue, err := tx.ListOverdueSignoffs(context.Background(), now)
		require.NoError(t, err)
		require.Len(t, overdue, 1)

		flagged := so.Clone()
		flagged.SLABreached = true
		require.NoError(t, tx.UpdateSignoff(context.Background(), flagged))

		created, err := tx.InsertBreachAlert(context.Background(), &model.BreachAlert{
			ProposalID: p.ID, SignoffID: so.ID, Party: so.Party, Status: model.AlertOpen,
		})
		require.NoError(t, err)
		assert.True(t, created)
		created, err = tx.InsertBreachAlert(context.Background(), &model.BreachAlert{
			ProposalID: p.ID, SignoffID: so.ID, Party: so.Party, Status: model.AlertOpen,
		})
		require.NoError(t, err)
		assert.False(t, created, "one open alert per signoff")

		// Writing the pre-breach copy must not clear the flag.
		require.NoError(t, tx.UpdateSignoff(context.Background(), so))
		return nil
	}))

	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		rows, err := tx.ListSignoffs(context.Background(), p.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.True(t, rows[0].SLABreached)

		overdue, err := tx.ListOverdueSignoffs(context.Background(), now)
		require.NoError(t, err)
		assert.Empty(t, overdue)
		return nil
	}))
}

func TestMemoryStore_ProhibitedItems(t *testing.T) {
	s := NewMemoryStore()
	s.SetProhibitedItems([]model.ProhibitedItem{{Code: "PRH-001"}})

	items, err := s.ProhibitedItems(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)

	s.FailProhibitedItems(fmt.Errorf("timeout"))
	_, err = s.ProhibitedItems(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeExternalDependency))
}
