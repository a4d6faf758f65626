package memory

import (
	"context"
	"testing"

	"opendut/internal/model"
	"opendut/internal/store"
)

func newTestPeer(t *testing.T) model.PeerDescriptor {
	t.Helper()
	name, err := model.NewResourceName("test-peer")
	if err != nil {
		t.Fatalf("NewResourceName: %v", err)
	}
	return model.PeerDescriptor{ID: model.NewPeerID(), Name: name}
}

func TestStore_InsertGetRemove(t *testing.T) {
	s := New()
	ctx := context.Background()
	peer := newTestPeer(t)

	if err := s.Peers().Insert(ctx, peer.ID, peer); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, ok, err := s.Peers().Get(ctx, peer.ID)
	if err != nil || !ok {
		t.Fatalf("Get: got=%v ok=%v err=%v", got, ok, err)
	}
	if got.Name != peer.Name {
		t.Fatalf("Get returned %+v, want %+v", got, peer)
	}

	removed, ok, err := s.Peers().Remove(ctx, peer.ID)
	if err != nil || !ok {
		t.Fatalf("Remove: ok=%v err=%v", ok, err)
	}
	if removed.ID != peer.ID {
		t.Fatalf("Remove returned %+v, want %+v", removed, peer)
	}

	if _, ok, _ := s.Peers().Get(ctx, peer.ID); ok {
		t.Fatal("peer still present after Remove")
	}
}

func TestStore_ResourcesMut_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	peer := newTestPeer(t)

	sub := s.SubscribePeers(4)
	defer sub.Close()

	wantErr := model.ErrValidation
	err := s.ResourcesMut(ctx, func(tx store.Transaction) error {
		if err := tx.Peers().Insert(ctx, peer.ID, peer); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("ResourcesMut returned %v, want %v", err, wantErr)
	}

	if _, ok, _ := s.Peers().Get(ctx, peer.ID); ok {
		t.Fatal("peer committed despite rollback")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event delivered after rollback: %+v", ev)
	default:
	}
}

func TestStore_ResourcesMut_EmitsAfterCommit(t *testing.T) {
	s := New()
	ctx := context.Background()
	peer := newTestPeer(t)

	sub := s.SubscribePeers(4)
	defer sub.Close()

	err := s.ResourcesMut(ctx, func(tx store.Transaction) error {
		return tx.Peers().Insert(ctx, peer.ID, peer)
	})
	if err != nil {
		t.Fatalf("ResourcesMut: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if !ev.Inserted || ev.ID != peer.ID {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("expected an event after commit")
	}
}

// An upsert of an unchanged value still emits Removed(old) followed by
// Inserted(new); reactors are idempotent, and one policy for every write
// keeps the backends consistent with each other.
func TestStore_UnchangedReStoreReEmits(t *testing.T) {
	s := New()
	ctx := context.Background()
	peer := newTestPeer(t)

	if err := s.Peers().Insert(ctx, peer.ID, peer); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	sub := s.SubscribePeers(4)
	defer sub.Close()

	if err := s.Peers().Insert(ctx, peer.ID, peer); err != nil {
		t.Fatalf("re-Insert: %v", err)
	}

	first := <-sub.Events()
	if first.Inserted {
		t.Fatalf("expected Removed(old) first, got %+v", first)
	}
	second := <-sub.Events()
	if !second.Inserted || second.ID != peer.ID {
		t.Fatalf("expected Inserted(new) second, got %+v", second)
	}
}

func TestStore_Resources_RejectsMutation(t *testing.T) {
	s := New()
	ctx := context.Background()
	peer := newTestPeer(t)

	err := s.Resources(ctx, func(tx store.Transaction) error {
		return tx.Peers().Insert(ctx, peer.ID, peer)
	})
	if err != store.ErrReadOnlyTransaction {
		t.Fatalf("Resources mutation returned %v, want ErrReadOnlyTransaction", err)
	}
}

func TestBus_OverflowSignalsWithoutBlocking(t *testing.T) {
	s := New()
	ctx := context.Background()
	sub := s.SubscribePeers(1)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		peer := newTestPeer(t)
		peer.ID = model.NewPeerID()
		if err := s.Peers().Insert(ctx, peer.ID, peer); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	select {
	case <-sub.Overflowed():
	default:
		t.Fatal("expected an overflow signal once the buffer filled")
	}

	// A subscriber that lost events resyncs via List and still observes
	// the final state of every committed transaction.
	all, err := s.Peers().List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d peers, want 3", len(all))
	}
}
