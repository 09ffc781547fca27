package checkin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"smartroll/internal/presence"
	"smartroll/internal/session"
)

type fakeRegistry struct {
	findFn func(ctx context.Context, id int64) (session.Session, error)
	calls  atomic.Int64
}

func (f *fakeRegistry) Find(ctx context.Context, id int64) (session.Session, error) {
	f.calls.Add(1)
	return f.findFn(ctx, id)
}

type fakeResolver struct {
	resolveFn func(ctx context.Context, mac string) (presence.Attachment, error)
	calls     atomic.Int64
}

func (f *fakeResolver) Resolve(ctx context.Context, mac string) (presence.Attachment, error) {
	f.calls.Add(1)
	return f.resolveFn(ctx, mac)
}

// memRecordStore implements insert-if-absent with a mutex so the concurrency
// test exercises real races on the same pair.
type memRecordStore struct {
	mu      sync.Mutex
	records map[[2]any]Record
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{records: make(map[[2]any]Record)}
}

func (s *memRecordStore) InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]any{rec.SessionID, rec.StudentID}
	if existing, ok := s.records[key]; ok {
		return existing, false, nil
	}
	s.records[key] = rec
	return rec, true, nil
}

func (s *memRecordStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func openSession(id int64, segment string) session.Session {
	return session.Session{ID: id, Segment: segment, CreatedAt: time.Now()}
}

func newTestValidator(reg *fakeRegistry, res *fakeResolver, store RecordStore) *Validator {
	if store == nil {
		store = newMemRecordStore()
	}
	return NewValidator(reg, res, store)
}

func TestValidate_SessionNotFound(t *testing.T) {
	reg := &fakeRegistry{findFn: func(ctx context.Context, id int64) (session.Session, error) {
		return session.Session{}, session.ErrNotFound
	}}
	res := &fakeResolver{resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
		t.Fatal("resolver must not be consulted when the session is missing")
		return presence.Attachment{}, nil
	}}

	v := newTestValidator(reg, res, nil)
	out, err := v.Validate(context.Background(), "aa:bb:cc:dd:ee:ff", 999, "alice")
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if out.Status != StatusSessionNotFound {
		t.Fatalf("status = %q, want %q", out.Status, StatusSessionNotFound)
	}
	if out.SessionID != 999 {
		t.Errorf("outcome must name the missing session, got %d", out.SessionID)
	}
}

func TestValidate_ClosedSessionMasksAsNotFound(t *testing.T) {
	closed := time.Now().Add(-time.Hour)
	reg := &fakeRegistry{findFn: func(ctx context.Context, id int64) (session.Session, error) {
		s := openSession(id, "10.0.5.")
		s.ClosedAt = &closed
		return s, nil
	}}
	res := &fakeResolver{resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
		t.Fatal("resolver must not be consulted for a closed session")
		return presence.Attachment{}, nil
	}}

	v := newTestValidator(reg, res, nil)
	out, err := v.Validate(context.Background(), "aa:bb:cc:dd:ee:ff", 1, "alice")
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if out.Status != StatusSessionNotFound {
		t.Fatalf("closed session must look absent, got %q", out.Status)
	}
}

func TestValidate_ExpiredSessionMasksAsNotFound(t *testing.T) {
	ended := time.Now().Add(-time.Minute)
	reg := &fakeRegistry{findFn: func(ctx context.Context, id int64) (session.Session, error) {
		s := openSession(id, "10.0.5.")
		s.EndsAt = &ended
		return s, nil
	}}
	res := &fakeResolver{resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
		return presence.Attachment{MAC: mac, IP: "10.0.5.23"}, nil
	}}

	v := newTestValidator(reg, res, nil)
	out, err := v.Validate(context.Background(), "aa:bb:cc:dd:ee:ff", 1, "alice")
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if out.Status != StatusSessionNotFound {
		t.Fatalf("expired session must look absent, got %q", out.Status)
	}
}

func TestValidate_OffNetwork(t *testing.T) {
	cases := []struct {
		name      string
		resolveFn func(ctx context.Context, mac string) (presence.Attachment, error)
	}{
		{
			name: "no attachment",
			resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
				return presence.Attachment{}, presence.ErrNoAttachment
			},
		},
		{
			name: "wrong segment",
			resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
				return presence.Attachment{MAC: mac, IP: "10.0.9.4"}, nil
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := &fakeRegistry{findFn: func(ctx context.Context, id int64) (session.Session, error) {
				return openSession(id, "10.0.5."), nil
			}}
			res := &fakeResolver{resolveFn: tc.resolveFn}
			store := newMemRecordStore()

			v := newTestValidator(reg, res, store)
			out, err := v.Validate(context.Background(), "aa:bb:cc:dd:ee:ff", 1, "alice")
			if err != nil {
				t.Fatalf("Validate returned error: %v", err)
			}
			if out.Status != StatusOffNetwork {
				t.Fatalf("status = %q, want %q", out.Status, StatusOffNetwork)
			}
			if store.count() != 0 {
				t.Error("off-network check-in must not create a record")
			}
		})
	}
}

func TestValidate_AcceptedThenAlreadyRecorded(t *testing.T) {
	reg := &fakeRegistry{findFn: func(ctx context.Context, id int64) (session.Session, error) {
		return openSession(id, "10.0.5."), nil
	}}
	res := &fakeResolver{resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
		return presence.Attachment{MAC: mac, IP: "10.0.5.23"}, nil
	}}
	store := newMemRecordStore()
	v := newTestValidator(reg, res, store)

	first, err := v.Validate(context.Background(), "aa:bb:cc:dd:ee:ff", 1, "alice")
	if err != nil {
		t.Fatalf("first Validate returned error: %v", err)
	}
	if first.Status != StatusAccepted {
		t.Fatalf("first status = %q, want %q", first.Status, StatusAccepted)
	}
	if first.Segment != "10.0.5." {
		t.Errorf("accepted outcome segment = %q, want %q", first.Segment, "10.0.5.")
	}

	second, err := v.Validate(context.Background(), "aa:bb:cc:dd:ee:ff", 1, "alice")
	if err != nil {
		t.Fatalf("second Validate returned error: %v", err)
	}
	if second.Status != StatusAlreadyRecorded {
		t.Fatalf("second status = %q, want %q", second.Status, StatusAlreadyRecorded)
	}
	if !second.RecordedAt.Equal(first.RecordedAt) {
		t.Errorf("re-check-in must keep the original timestamp: %v vs %v", second.RecordedAt, first.RecordedAt)
	}
	if store.count() != 1 {
		t.Fatalf("record count = %d, want 1", store.count())
	}
}

func TestValidate_MACCaseInsensitive(t *testing.T) {
	reg := &fakeRegistry{findFn: func(ctx context.Context, id int64) (session.Session, error) {
		return openSession(id, "10.0.5."), nil
	}}
	var seen string
	res := &fakeResolver{resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
		seen = mac
		return presence.Attachment{MAC: mac, IP: "10.0.5.23"}, nil
	}}

	v := newTestValidator(reg, res, nil)
	out, err := v.Validate(context.Background(), "aa:bb:cc:dd:ee:ff", 1, "alice")
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if out.Status != StatusAccepted {
		t.Fatalf("status = %q, want %q", out.Status, StatusAccepted)
	}
	if seen != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("resolver saw %q, want canonical uppercase form", seen)
	}
}

func TestValidate_InvalidArguments(t *testing.T) {
	cases := []struct {
		name      string
		deviceID  string
		sessionID int64
		student   string
	}{
		{"empty device", "", 1, "alice"},
		{"garbage device", "not-a-mac", 1, "alice"},
		{"zero session", "aa:bb:cc:dd:ee:ff", 0, "alice"},
		{"negative session", "aa:bb:cc:dd:ee:ff", -3, "alice"},
		{"empty student", "aa:bb:cc:dd:ee:ff", 1, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := &fakeRegistry{findFn: func(ctx context.Context, id int64) (session.Session, error) {
				return openSession(id, "10.0.5."), nil
			}}
			res := &fakeResolver{resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
				return presence.Attachment{MAC: mac, IP: "10.0.5.23"}, nil
			}}

			v := newTestValidator(reg, res, nil)
			_, err := v.Validate(context.Background(), tc.deviceID, tc.sessionID, tc.student)
			if !IsInvalidArgument(err) {
				t.Fatalf("expected InvalidArgumentError, got %v", err)
			}
			if reg.calls.Load() != 0 {
				t.Error("registry must not be consulted on a precondition violation")
			}
			if res.calls.Load() != 0 {
				t.Error("resolver must not be consulted on a precondition violation")
			}
		})
	}
}

func TestValidate_FaultsPropagate(t *testing.T) {
	regFault := errors.New("registry unreachable")
	resFault := errors.New("resolver unreachable")

	t.Run("registry fault", func(t *testing.T) {
		reg := &fakeRegistry{findFn: func(ctx context.Context, id int64) (session.Session, error) {
			return session.Session{}, regFault
		}}
		res := &fakeResolver{resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
			return presence.Attachment{}, nil
		}}
		v := newTestValidator(reg, res, nil)
		_, err := v.Validate(context.Background(), "aa:bb:cc:dd:ee:ff", 1, "alice")
		if !errors.Is(err, regFault) {
			t.Fatalf("registry fault must propagate unchanged, got %v", err)
		}
		if IsInvalidArgument(err) {
			t.Error("infrastructure fault must not look like a caller error")
		}
	})

	t.Run("resolver fault", func(t *testing.T) {
		reg := &fakeRegistry{findFn: func(ctx context.Context, id int64) (session.Session, error) {
			return openSession(id, "10.0.5."), nil
		}}
		res := &fakeResolver{resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
			return presence.Attachment{}, resFault
		}}
		v := newTestValidator(reg, res, nil)
		_, err := v.Validate(context.Background(), "aa:bb:cc:dd:ee:ff", 1, "alice")
		if !errors.Is(err, resFault) {
			t.Fatalf("resolver fault must propagate unchanged, got %v", err)
		}
	})
}

func TestValidate_ConcurrentSamePair(t *testing.T) {
	reg := &fakeRegistry{findFn: func(ctx context.Context, id int64) (session.Session, error) {
		return openSession(id, "10.0.5."), nil
	}}
	res := &fakeResolver{resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
		return presence.Attachment{MAC: mac, IP: "10.0.5.23"}, nil
	}}
	store := newMemRecordStore()
	v := newTestValidator(reg, res, store)

	const n = 16
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = v.Validate(context.Background(), "aa:bb:cc:dd:ee:ff", 1, "alice")
		}(i)
	}
	wg.Wait()

	accepted, already := 0, 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d returned error: %v", i, errs[i])
		}
		switch outcomes[i].Status {
		case StatusAccepted:
			accepted++
		case StatusAlreadyRecorded:
			already++
		default:
			t.Fatalf("call %d: unexpected status %q", i, outcomes[i].Status)
		}
	}
	if accepted != 1 || already != n-1 {
		t.Fatalf("got %d accepted / %d already recorded, want 1 / %d", accepted, already, n-1)
	}
	if store.count() != 1 {
		t.Fatalf("record count = %d, want exactly 1", store.count())
	}
}

func TestValidate_DistinctStudentsIndependent(t *testing.T) {
	reg := &fakeRegistry{findFn: func(ctx context.Context, id int64) (session.Session, error) {
		return openSession(id, "10.0.5."), nil
	}}
	res := &fakeResolver{resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
		return presence.Attachment{MAC: mac, IP: "10.0.5.23"}, nil
	}}
	store := newMemRecordStore()
	v := newTestValidator(reg, res, store)

	for _, st := range []string{"alice", "bob", "carol"} {
		out, err := v.Validate(context.Background(), "aa:bb:cc:dd:ee:ff", 1, st)
		if err != nil {
			t.Fatalf("Validate(%s) returned error: %v", st, err)
		}
		if out.Status != StatusAccepted {
			t.Fatalf("Validate(%s) status = %q, want %q", st, out.Status, StatusAccepted)
		}
	}
	if store.count() != 3 {
		t.Fatalf("record count = %d, want 3", store.count())
	}
}

func TestHeartbeat_TagsSource(t *testing.T) {
	reg := &fakeRegistry{findFn: func(ctx context.Context, id int64) (session.Session, error) {
		return openSession(id, "10.0.5."), nil
	}}
	res := &fakeResolver{resolveFn: func(ctx context.Context, mac string) (presence.Attachment, error) {
		return presence.Attachment{MAC: mac, IP: "10.0.5.23"}, nil
	}}
	store := newMemRecordStore()
	v := newTestValidator(reg, res, store)

	out, err := v.Heartbeat(context.Background(), "aa:bb:cc:dd:ee:ff", 1, "alice")
	if err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	if out.Status != StatusAccepted {
		t.Fatalf("status = %q, want %q", out.Status, StatusAccepted)
	}
	rec := store.records[[2]any{int64(1), "alice"}]
	if rec.Source != "heartbeat" {
		t.Errorf("record source = %q, want heartbeat", rec.Source)
	}
}
