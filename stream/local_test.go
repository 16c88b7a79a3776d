package stream

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/objstore/errors"
)

func newTestLocal(t *testing.T, opts ...LocalOption) *Local {
	t.Helper()
	l, err := NewLocal(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func testConfig(name string) Config {
	return Config{Name: name, Subjects: []string{"t." + name + ".>"}}
}

func receive(t *testing.T, sub Subscription) *Msg {
	t.Helper()
	select {
	case m, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		filter, subject string
		want            bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b", false},
		{"a.*.c", "a.x.c", true},
		{"a.*", "a.x.c", false},
		{"a.>", "a.x.c", true},
		{"a.>", "a", false},
		{">", "anything", true},
		{"$O.b.M.*", "$O.b.M.bmFtZQ==", true},
		{"$O.b.C.>", "$O.b.M.x", false},
	}
	for _, tt := range tests {
		t.Run(tt.filter+"|"+tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, SubjectMatches(tt.filter, tt.subject))
		})
	}
}

func TestSubjectsOverlap(t *testing.T) {
	assert.True(t, SubjectsOverlap("a.>", "a.b.c"))
	assert.True(t, SubjectsOverlap("a.*.c", "a.b.*"))
	assert.False(t, SubjectsOverlap("a.b", "a.c"))
	assert.False(t, SubjectsOverlap("a.b", "a.b.c"))
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(testConfig("ok")))
	assert.ErrorIs(t, ValidateConfig(Config{Subjects: []string{"x"}}), errors.ErrInvalidConfig)
	assert.ErrorIs(t, ValidateConfig(Config{Name: "a.b", Subjects: []string{"x"}}), errors.ErrInvalidConfig)
	assert.ErrorIs(t, ValidateConfig(Config{Name: "a"}), errors.ErrInvalidConfig)
	assert.ErrorIs(t, ValidateConfig(Config{Name: "a", Subjects: []string{"x.>.y"}}), errors.ErrInvalidConfig)
}

func TestLocal_CreateStream(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	info, err := l.CreateStream(ctx, testConfig("s1"))
	require.NoError(t, err)
	assert.Equal(t, "s1", info.Config.Name)
	assert.Equal(t, 1, info.Config.Replicas)

	// Identical config is idempotent
	_, err = l.CreateStream(ctx, testConfig("s1"))
	require.NoError(t, err)

	changed := testConfig("s1")
	changed.MaxMsgs = 10
	_, err = l.CreateStream(ctx, changed)
	assert.ErrorIs(t, err, ErrStreamExists)

	overlap := Config{Name: "s2", Subjects: []string{"t.s1.x"}}
	_, err = l.CreateStream(ctx, overlap)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLocal_PublishAndLastMsg(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	_, err := l.CreateStream(ctx, testConfig("s"))
	require.NoError(t, err)

	seq1, err := l.Publish(ctx, "t.s.a", []byte("one"), Header{"k": "v"})
	require.NoError(t, err)
	seq2, err := l.Publish(ctx, "t.s.b", []byte("two"), nil)
	require.NoError(t, err)
	seq3, err := l.Publish(ctx, "t.s.a", []byte("three"), nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{seq1, seq2, seq3})

	m, err := l.LastMsg(ctx, "s", "t.s.a")
	require.NoError(t, err)
	assert.Equal(t, "three", string(m.Data))
	assert.Equal(t, seq3, m.Sequence)

	_, err = l.LastMsg(ctx, "s", "t.s.none")
	assert.ErrorIs(t, err, ErrMsgNotFound)

	_, err = l.LastMsg(ctx, "missing", "t.s.a")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	_, err = l.Publish(ctx, "nowhere.x", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrNoStream)

	info, err := l.StreamInfo(ctx, "s", "t.s.a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)
	assert.Equal(t, uint64(3), info.State.LastSeq)
}

func TestLocal_PublishCopiesData(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	_, err := l.CreateStream(ctx, testConfig("s"))
	require.NoError(t, err)

	buf := []byte("original")
	_, err = l.Publish(ctx, "t.s.a", buf, nil)
	require.NoError(t, err)
	copy(buf, "mutated!")

	m, err := l.LastMsg(ctx, "s", "t.s.a")
	require.NoError(t, err)
	assert.Equal(t, "original", string(m.Data))
}

func TestLocal_MaxPayload(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, WithMaxPayload(8))
	cfg := testConfig("s")
	cfg.MaxMsgSize = 4
	_, err := l.CreateStream(ctx, cfg)
	require.NoError(t, err)

	_, err = l.Publish(ctx, "t.s.a", []byte("12345"), nil)
	assert.ErrorIs(t, err, ErrMaxPayload)
	assert.ErrorIs(t, err, errors.ErrMaxPayload)

	_, err = l.Publish(ctx, "t.s.a", []byte("1234"), nil)
	assert.NoError(t, err)
}

func TestLocal_Retention(t *testing.T) {
	ctx := context.Background()

	t.Run("discard old", func(t *testing.T) {
		l := newTestLocal(t)
		cfg := testConfig("s")
		cfg.MaxMsgs = 2
		_, err := l.CreateStream(ctx, cfg)
		require.NoError(t, err)

		for _, d := range []string{"a", "b", "c"} {
			_, err := l.Publish(ctx, "t.s.x", []byte(d), nil)
			require.NoError(t, err)
		}
		info, err := l.StreamInfo(ctx, "s", "")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), info.State.Msgs)
		assert.Equal(t, uint64(2), info.State.FirstSeq)
	})

	t.Run("discard new", func(t *testing.T) {
		l := newTestLocal(t)
		cfg := testConfig("s")
		cfg.MaxMsgs = 1
		cfg.Discard = DiscardNew
		_, err := l.CreateStream(ctx, cfg)
		require.NoError(t, err)

		_, err = l.Publish(ctx, "t.s.x", []byte("a"), nil)
		require.NoError(t, err)
		_, err = l.Publish(ctx, "t.s.x", []byte("b"), nil)
		assert.ErrorIs(t, err, ErrStreamFull)
		assert.ErrorIs(t, err, errors.ErrStorageFull)
	})

	t.Run("max age", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		var mu sync.Mutex
		clock := func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
		l := newTestLocal(t, WithClock(clock))
		cfg := testConfig("s")
		cfg.MaxAge = time.Minute
		_, err := l.CreateStream(ctx, cfg)
		require.NoError(t, err)

		_, err = l.Publish(ctx, "t.s.x", []byte("old"), nil)
		require.NoError(t, err)

		mu.Lock()
		now = now.Add(2 * time.Minute)
		mu.Unlock()

		_, err = l.LastMsg(ctx, "s", "t.s.x")
		assert.ErrorIs(t, err, ErrMsgNotFound)
	})
}

func TestLocal_Purge(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	_, err := l.CreateStream(ctx, testConfig("s"))
	require.NoError(t, err)

	for _, subj := range []string{"t.s.a", "t.s.b", "t.s.a"} {
		_, err := l.Publish(ctx, subj, []byte("x"), nil)
		require.NoError(t, err)
	}
	require.NoError(t, l.Purge(ctx, "s", "t.s.a"))

	info, err := l.StreamInfo(ctx, "s", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	// Sequence numbers keep increasing after a purge
	seq, err := l.Publish(ctx, "t.s.a", []byte("y"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestLocal_SubscribeDeliverAll(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	_, err := l.CreateStream(ctx, testConfig("s"))
	require.NoError(t, err)

	for _, d := range []string{"1", "2", "3"} {
		_, err := l.Publish(ctx, "t.s.a", []byte(d), nil)
		require.NoError(t, err)
	}

	sub, err := l.Subscribe(ctx, "s", SubscribeOptions{Filter: "t.s.a", Deliver: DeliverAll})
	require.NoError(t, err)
	defer sub.Stop()

	for i, want := range []string{"1", "2", "3"} {
		m := receive(t, sub)
		assert.Equal(t, want, string(m.Data))
		assert.Equal(t, uint64(2-i), m.NumPending)
	}

	_, err = l.Publish(ctx, "t.s.a", []byte("4"), nil)
	require.NoError(t, err)
	m := receive(t, sub)
	assert.Equal(t, "4", string(m.Data))
	assert.Equal(t, uint64(4), m.Sequence)
}

func TestLocal_SubscribeLastPerSubject(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	_, err := l.CreateStream(ctx, testConfig("s"))
	require.NoError(t, err)

	for _, p := range [][2]string{{"t.s.a", "a1"}, {"t.s.b", "b1"}, {"t.s.a", "a2"}} {
		_, err := l.Publish(ctx, p[0], []byte(p[1]), nil)
		require.NoError(t, err)
	}

	sub, err := l.Subscribe(ctx, "s", SubscribeOptions{Filter: "t.s.*", Deliver: DeliverLastPerSubject})
	require.NoError(t, err)
	defer sub.Stop()

	first := receive(t, sub)
	second := receive(t, sub)
	assert.Equal(t, "b1", string(first.Data))
	assert.Equal(t, "a2", string(second.Data))
	assert.Equal(t, uint64(0), second.NumPending)
}

func TestLocal_SubscribeDeliverNew(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	_, err := l.CreateStream(ctx, testConfig("s"))
	require.NoError(t, err)

	_, err = l.Publish(ctx, "t.s.a", []byte("before"), nil)
	require.NoError(t, err)

	sub, err := l.Subscribe(ctx, "s", SubscribeOptions{Deliver: DeliverNew})
	require.NoError(t, err)
	defer sub.Stop()

	_, err = l.Publish(ctx, "t.s.a", []byte("after"), nil)
	require.NoError(t, err)
	assert.Equal(t, "after", string(receive(t, sub).Data))
}

func TestLocal_SubscriptionEnds(t *testing.T) {
	ctx := context.Background()

	t.Run("stop", func(t *testing.T) {
		l := newTestLocal(t)
		_, err := l.CreateStream(ctx, testConfig("s"))
		require.NoError(t, err)
		sub, err := l.Subscribe(ctx, "s", SubscribeOptions{})
		require.NoError(t, err)

		require.NoError(t, sub.Stop())
		_, ok := <-sub.Messages()
		assert.False(t, ok)
		assert.NoError(t, sub.Err())
	})

	t.Run("context cancelled", func(t *testing.T) {
		l := newTestLocal(t)
		_, err := l.CreateStream(ctx, testConfig("s"))
		require.NoError(t, err)
		subCtx, cancel := context.WithCancel(ctx)
		sub, err := l.Subscribe(subCtx, "s", SubscribeOptions{})
		require.NoError(t, err)

		cancel()
		_, ok := <-sub.Messages()
		assert.False(t, ok)
		assert.NoError(t, sub.Err())
	})

	t.Run("stream deleted", func(t *testing.T) {
		l := newTestLocal(t)
		_, err := l.CreateStream(ctx, testConfig("s"))
		require.NoError(t, err)
		sub, err := l.Subscribe(ctx, "s", SubscribeOptions{})
		require.NoError(t, err)

		require.NoError(t, l.DeleteStream(ctx, "s"))
		_, ok := <-sub.Messages()
		assert.False(t, ok)
		assert.ErrorIs(t, sub.Err(), ErrStreamNotFound)
	})

	t.Run("transport closed", func(t *testing.T) {
		l, err := NewLocal()
		require.NoError(t, err)
		_, err = l.CreateStream(ctx, testConfig("s"))
		require.NoError(t, err)
		sub, err := l.Subscribe(ctx, "s", SubscribeOptions{})
		require.NoError(t, err)

		require.NoError(t, l.Close())
		_, ok := <-sub.Messages()
		assert.False(t, ok)
		assert.ErrorIs(t, sub.Err(), errors.ErrTransportUnavailable)
	})
}

func TestLocal_BoltPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "streams.db")

	l, err := NewLocal(WithBoltFile(path))
	require.NoError(t, err)
	_, err = l.CreateStream(ctx, testConfig("durable"))
	require.NoError(t, err)
	mem := testConfig("volatile")
	mem.Storage = MemoryStorage
	_, err = l.CreateStream(ctx, mem)
	require.NoError(t, err)

	for _, d := range []string{"a", "b", "c"} {
		_, err := l.Publish(ctx, "t.durable.x", []byte(d), Header{"n": d})
		require.NoError(t, err)
	}
	_, err = l.Publish(ctx, "t.volatile.x", []byte("gone"), nil)
	require.NoError(t, err)
	require.NoError(t, l.Purge(ctx, "durable", "t.durable.x"))
	_, err = l.Publish(ctx, "t.durable.y", []byte("kept"), nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := NewLocal(WithBoltFile(path))
	require.NoError(t, err)
	defer reopened.Close()

	info, err := reopened.StreamInfo(ctx, "durable", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
	assert.Equal(t, uint64(4), info.State.LastSeq)

	m, err := reopened.LastMsg(ctx, "durable", "t.durable.y")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(m.Data))

	_, err = reopened.StreamInfo(ctx, "volatile", "")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	seq, err := reopened.Publish(ctx, "t.durable.x", []byte("d"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)
}
