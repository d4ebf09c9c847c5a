package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/micheletedeschi/mtconnect-agent/internal/schema"
)

func testDataItems(t *testing.T) (reg *schema.Registry, avail, va, htemp *schema.DataItem) {
	t.Helper()
	reg = schema.NewRegistry()
	dev := &schema.Device{
		UUID: "000",
		Name: "dev",
		DataItems: []*schema.DataItem{
			{ID: "avail1", Name: "avail", Type: "AVAILABILITY", Category: schema.CategoryEvent},
			{ID: "va1", Name: "Va", Type: "VOLTAGE", Category: schema.CategorySample, Representation: schema.RepresentationTimeSeries},
			{ID: "htemp1", Name: "htemp", Type: "TEMPERATURE", Category: schema.CategoryCondition},
		},
	}
	if err := reg.InsertDevice(dev); err != nil {
		t.Fatalf("InsertDevice: %v", err)
	}
	return reg, reg.DataItemByID("avail1"), reg.DataItemByID("va1"), reg.DataItemByID("htemp1")
}

func TestSequenceMonotonic(t *testing.T) {
	_, avail, va, _ := testDataItems(t)
	s := New(100)

	o1 := s.Update(avail, "t1", Scalar("AVAILABLE"))
	o2 := s.Update(va, "t2", TimeSeries{SampleCount: "2", Samples: "1 2"})
	o3 := s.Update(avail, "t3", Scalar("UNAVAILABLE"))

	if o1.Sequence != 1 || o2.Sequence != 2 || o3.Sequence != 3 {
		t.Errorf("sequences = %d %d %d, want 1 2 3", o1.Sequence, o2.Sequence, o3.Sequence)
	}
	info := s.Sequence()
	if info.First != 1 || info.Last != 3 || info.Next != 4 {
		t.Errorf("sequence info = %+v", info)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	_, avail, va, htemp := testDataItems(t)
	s := New(100)

	if obs := s.Update(avail, "t1", Scalar("AVAILABLE")); obs == nil {
		t.Fatal("first value suppressed")
	}
	if obs := s.Update(avail, "t2", Scalar("AVAILABLE")); obs != nil {
		t.Errorf("duplicate recorded with sequence %d", obs.Sequence)
	}
	if obs := s.Update(avail, "t3", Scalar("UNAVAILABLE")); obs == nil {
		t.Fatal("changed value suppressed")
	}

	// TIME_SERIES never suppresses, even on identical samples.
	ts := TimeSeries{SampleCount: "2", SampleRate: "100", Samples: "1 2"}
	if s.Update(va, "t4", ts) == nil || s.Update(va, "t5", ts) == nil {
		t.Error("time series block suppressed")
	}

	// CONDITION always records.
	cond := Condition{Level: LevelWarning, NativeCode: "HTEMP"}
	if s.Update(htemp, "t6", cond) == nil || s.Update(htemp, "t7", cond) == nil {
		t.Error("condition suppressed")
	}
}

func TestForceUpdateBypassesSuppression(t *testing.T) {
	_, avail, _, _ := testDataItems(t)
	s := New(100)

	s.Update(avail, "t1", Scalar("EM233"))
	if obs := s.ForceUpdate(avail, "t2", Scalar("EM233")); obs == nil {
		t.Fatal("ForceUpdate suppressed an equal value")
	}
}

func TestCurrentAndLast(t *testing.T) {
	_, avail, _, _ := testDataItems(t)
	s := New(100)

	s.Update(avail, "t1", Scalar("UNAVAILABLE"))
	s.Update(avail, "t2", Scalar("AVAILABLE"))

	cur, last := s.Current("avail1"), s.Last("avail1")
	if cur == nil || cur.Value != Scalar("AVAILABLE") {
		t.Fatalf("current = %+v", cur)
	}
	if last == nil || last.Value != Scalar("UNAVAILABLE") {
		t.Fatalf("last = %+v", last)
	}
	if last.Sequence >= cur.Sequence {
		t.Errorf("last sequence %d >= current %d", last.Sequence, cur.Sequence)
	}
}

func TestRingEviction(t *testing.T) {
	_, avail, _, _ := testDataItems(t)
	s := New(3)

	for i := 0; i < 5; i++ {
		s.Update(avail, "t", Scalar(fmt.Sprintf("v%d", i)))
	}

	info := s.Sequence()
	if info.First != 3 || info.Last != 5 {
		t.Errorf("after eviction window = [%d,%d], want [3,5]", info.First, info.Last)
	}

	if cur := s.Current("avail1"); cur == nil || cur.Value != Scalar("v4") {
		t.Errorf("current after churn = %+v", cur)
	}
}

func TestSampleWindow(t *testing.T) {
	_, avail, va, _ := testDataItems(t)
	s := New(100)

	for i := 0; i < 5; i++ {
		s.ForceUpdate(avail, "t", Scalar(fmt.Sprintf("v%d", i)))
	}
	s.Update(va, "t", TimeSeries{SampleCount: "1", Samples: "9"}) // seq 6

	obs, err := s.SampleWindow(nil, 2, 3)
	if err != nil {
		t.Fatalf("SampleWindow: %v", err)
	}
	if len(obs) != 3 || obs[0].Sequence != 2 || obs[2].Sequence != 4 {
		t.Fatalf("window = %+v", obs)
	}

	// Filtered by id set.
	obs, err = s.SampleWindow([]string{"va1"}, 1, 100)
	if err != nil {
		t.Fatalf("SampleWindow: %v", err)
	}
	if len(obs) != 1 || obs[0].DataItemID != "va1" {
		t.Fatalf("filtered window = %+v", obs)
	}
}

func TestSampleWindowOutOfRange(t *testing.T) {
	_, avail, _, _ := testDataItems(t)
	s := New(3)
	for i := 0; i < 6; i++ {
		s.ForceUpdate(avail, "t", Scalar(fmt.Sprintf("v%d", i)))
	}
	// Retained window is [4,6]; next is 7.
	if _, err := s.SampleWindow(nil, 1, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("from below first: err = %v", err)
	}
	if _, err := s.SampleWindow(nil, 8, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("from above next: err = %v", err)
	}
	if _, err := s.SampleWindow(nil, 7, 2); err != nil {
		t.Errorf("from == next should be allowed (empty): %v", err)
	}
}

func TestSampleWindowTruncatesCount(t *testing.T) {
	_, avail, _, _ := testDataItems(t)
	s := New(4)
	for i := 0; i < 4; i++ {
		s.ForceUpdate(avail, "t", Scalar(fmt.Sprintf("v%d", i)))
	}
	obs, err := s.SampleWindow(nil, 1, 99999)
	if err != nil {
		t.Fatalf("SampleWindow: %v", err)
	}
	if len(obs) != 4 {
		t.Errorf("truncated window = %d entries, want 4", len(obs))
	}
}

func TestCurrentAt(t *testing.T) {
	_, avail, _, _ := testDataItems(t)
	s := New(100)
	for i := 0; i < 5; i++ {
		s.ForceUpdate(avail, "t", Scalar(fmt.Sprintf("v%d", i)))
	}

	obs, err := s.CurrentAt([]string{"avail1"}, 3)
	if err != nil {
		t.Fatalf("CurrentAt: %v", err)
	}
	if len(obs) != 1 || obs[0].Value != Scalar("v2") {
		t.Fatalf("at=3 -> %+v", obs)
	}

	if _, err := s.CurrentAt([]string{"avail1"}, 99); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("at beyond last: err = %v", err)
	}
}

func TestConditionChannels(t *testing.T) {
	_, _, _, htemp := testDataItems(t)
	s := New(100)

	warn := Condition{Level: LevelWarning, NativeCode: "HTEMP", Message: "hot"}
	fault := Condition{Level: LevelFault, NativeCode: "OVERLOAD", Message: "overload"}
	s.Update(htemp, "t1", warn)
	s.Update(htemp, "t2", fault)

	active := s.ActiveConditions("htemp1")
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}

	// Same nativeCode replaces in place.
	warn2 := Condition{Level: LevelFault, NativeCode: "HTEMP", Message: "hotter"}
	s.Update(htemp, "t3", warn2)
	active = s.ActiveConditions("htemp1")
	if len(active) != 2 {
		t.Fatalf("active after replace = %d, want 2", len(active))
	}
	if active[0].Value.(Condition).Message != "hotter" {
		t.Errorf("replacement did not keep position: %+v", active[0].Value)
	}

	// NORMAL with empty nativeCode clears everything.
	s.Update(htemp, "t4", Condition{Level: LevelNormal})
	if active := s.ActiveConditions("htemp1"); len(active) != 0 {
		t.Errorf("active after clear = %d, want 0", len(active))
	}

	// SnapshotCurrent falls back to the clearing observation.
	snap := s.SnapshotCurrent([]string{"htemp1"})
	if len(snap) != 1 || snap[0].Value.(Condition).Level != LevelNormal {
		t.Fatalf("snapshot after clear = %+v", snap)
	}
}

func TestSnapshotCurrentMultiStatus(t *testing.T) {
	_, avail, _, htemp := testDataItems(t)
	s := New(100)

	s.Update(avail, "t0", Scalar("AVAILABLE"))
	s.Update(htemp, "t1", Condition{Level: LevelWarning, NativeCode: "A"})
	s.Update(htemp, "t2", Condition{Level: LevelFault, NativeCode: "B"})

	snap := s.SnapshotCurrent([]string{"avail1", "htemp1"})
	if len(snap) != 3 {
		t.Fatalf("snapshot = %d entries, want 3 (1 event + 2 conditions)", len(snap))
	}
}
