package system

import (
	"context"
	"fmt"
	"testing"
)

type fakeService struct {
	name     string
	startErr error
	log      *[]string
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(_ context.Context) error {
	*f.log = append(*f.log, "start "+f.name)
	return f.startErr
}

func (f *fakeService) Stop(_ context.Context) error {
	*f.log = append(*f.log, "stop "+f.name)
	return nil
}

func TestManager_StartStopOrder(t *testing.T) {
	var log []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(&fakeService{name: name, log: &log}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}
	if len(log) != len(want) {
		t.Fatalf("lifecycle log: %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("lifecycle order: %v", log)
		}
	}
}

func TestManager_StartFailureUnwinds(t *testing.T) {
	var log []string
	m := NewManager()
	_ = m.Register(&fakeService{name: "a", log: &log})
	_ = m.Register(&fakeService{name: "b", log: &log, startErr: fmt.Errorf("boom")})
	_ = m.Register(&fakeService{name: "c", log: &log})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	want := []string{"start a", "start b", "stop a"}
	if len(log) != len(want) {
		t.Fatalf("lifecycle log: %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("unwind order: %v", log)
		}
	}
}

func TestManager_DuplicateName(t *testing.T) {
	var log []string
	m := NewManager()
	if err := m.Register(&fakeService{name: "a", log: &log}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(&fakeService{name: "a", log: &log}); err == nil {
		t.Fatal("duplicate name accepted")
	}
}
