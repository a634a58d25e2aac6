package client

import (
	"testing"

	"github.com/example/ambulance-dispatch/internal/models"
)

func emergency(id string) *models.EmergencyRequest {
	return &models.EmergencyRequest{ID: id, PatientID: "p1", Status: models.EmergencyOffered}
}

func TestAddIncomingDeduplicates(t *testing.T) {
	s := NewStore()
	if !s.AddIncoming(emergency("e1")) {
		t.Fatalf("first add rejected")
	}
	if s.AddIncoming(emergency("e1")) {
		t.Fatalf("duplicate notification accepted")
	}
	if got := len(s.Incoming()); got != 1 {
		t.Fatalf("incoming len = %d, want 1", got)
	}
}

func TestRemoveIncomingReturnsEntry(t *testing.T) {
	s := NewStore()
	s.AddIncoming(emergency("e1"))
	if got := s.RemoveIncoming("e1"); got == nil || got.ID != "e1" {
		t.Fatalf("remove returned %+v", got)
	}
	if got := s.RemoveIncoming("e1"); got != nil {
		t.Fatalf("second remove returned %+v", got)
	}
}

func TestCheckSeqOrdering(t *testing.T) {
	s := NewStore()
	if r := s.CheckSeq("e1", 1); r != SeqApply {
		t.Fatalf("first seq = %v, want apply", r)
	}
	if r := s.CheckSeq("e1", 2); r != SeqApply {
		t.Fatalf("next seq = %v, want apply", r)
	}
	if r := s.CheckSeq("e1", 2); r != SeqStale {
		t.Fatalf("duplicate = %v, want stale", r)
	}
	if r := s.CheckSeq("e1", 1); r != SeqStale {
		t.Fatalf("out of order = %v, want stale", r)
	}
	if r := s.CheckSeq("e1", 5); r != SeqGap {
		t.Fatalf("skipped seqs = %v, want gap", r)
	}
	// unnumbered events always apply
	if r := s.CheckSeq("e1", 0); r != SeqApply {
		t.Fatalf("seq zero = %v, want apply", r)
	}
	// sequences are per emergency
	if r := s.CheckSeq("e2", 7); r != SeqApply {
		t.Fatalf("first seq for other emergency = %v, want apply", r)
	}
}

func TestApplySnapshotTerminalMovesToHistory(t *testing.T) {
	s := NewStore()
	e := emergency("e1")
	e.Status = models.EmergencyAccepted
	e.AssignedDriver = "me"
	s.SetActive(e)

	done := e.Clone()
	done.Status = models.EmergencyCompleted
	s.ApplySnapshot("me", done)

	if s.Active() != nil {
		t.Fatalf("active not cleared after terminal snapshot")
	}
	h := s.History()
	if len(h) != 1 || h[0].ID != "e1" {
		t.Fatalf("history = %+v", h)
	}
}

func TestApplySnapshotTerminalDeliveredTwiceKeepsOneHistoryEntry(t *testing.T) {
	s := NewStore()
	e := emergency("e1")
	e.Status = models.EmergencyAccepted
	e.AssignedDriver = "me"
	s.SetActive(e)

	done := e.Clone()
	done.Status = models.EmergencyCompleted
	// the same terminal state can arrive once by event and again by resync
	s.ApplySnapshot("me", done)
	s.ApplySnapshot("me", done.Clone())

	h := s.History()
	if len(h) != 1 {
		t.Fatalf("history holds %d entries for one emergency", len(h))
	}
	if h[0].Status != models.EmergencyCompleted {
		t.Fatalf("history entry = %+v", h[0])
	}
}

func TestApplySnapshotEvictsLostClaim(t *testing.T) {
	s := NewStore()
	s.AddIncoming(emergency("e1"))

	taken := emergency("e1")
	taken.Status = models.EmergencyAccepted
	taken.AssignedDriver = "someone-else"
	s.ApplySnapshot("me", taken)

	if got := len(s.Incoming()); got != 0 {
		t.Fatalf("offer for an emergency assigned elsewhere kept, incoming len = %d", got)
	}
	if s.Active() != nil {
		t.Fatalf("active set for emergency assigned elsewhere")
	}
}

func TestApplySnapshotAssignsActive(t *testing.T) {
	s := NewStore()
	s.AddIncoming(emergency("e1"))

	won := emergency("e1")
	won.Status = models.EmergencyAccepted
	won.AssignedDriver = "me"
	s.ApplySnapshot("me", won)

	if got := s.Active(); got == nil || got.ID != "e1" {
		t.Fatalf("active = %+v", got)
	}
	if len(s.Incoming()) != 0 {
		t.Fatalf("won offer still listed as incoming")
	}
}

func TestKnownIDsCoversActiveAndIncoming(t *testing.T) {
	s := NewStore()
	active := emergency("e-active")
	active.AssignedDriver = "me"
	s.SetActive(active)
	s.AddIncoming(emergency("e-offer"))

	ids := s.KnownIDs()
	if len(ids) != 2 {
		t.Fatalf("known ids = %v", ids)
	}
}
