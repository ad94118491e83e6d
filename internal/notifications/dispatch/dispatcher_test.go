package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotarydesk/internal/external"
	"rotarydesk/internal/types"
)

type recordingSender struct {
	calls  [][]string
	failOn map[int]error
	onCall func(call int)
}

func (s *recordingSender) SendBatch(ctx context.Context, to []string, _ external.MailMessage) error {
	s.calls = append(s.calls, append([]string(nil), to...))
	call := len(s.calls)
	if s.onCall != nil {
		s.onCall(call)
	}
	return s.failOn[call]
}

type recordingObserver struct {
	sizes []int
	oks   []bool
}

func (o *recordingObserver) ObserveChunk(size int, ok bool, _ time.Duration) {
	o.sizes = append(o.sizes, size)
	o.oks = append(o.oks, ok)
}

func addresses(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user%04d@example.org", i)
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestDispatch_ThreeChunksMiddleFails(t *testing.T) {
	blocked := types.NewAppErrorWithDetails(types.ErrCodeUpstreamEmailProvider, "ZeptoMail error (500)", nil,
		map[string]any{"provider_code": "TM_5000"})
	sender := &recordingSender{failOn: map[int]error{2: blocked}}
	obs := &recordingObserver{}
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	addrs := addresses(1000)
	d := New(sender, Config{BatchSize: 400, Delay: time.Second}, nil, WithSleepFunc(sleep), WithObserver(obs))
	res := d.Dispatch(context.Background(), addrs, external.MailMessage{Subject: "s"})

	require.Len(t, sender.calls, 3)
	assert.Len(t, sender.calls[0], 400)
	assert.Len(t, sender.calls[1], 400)
	assert.Len(t, sender.calls[2], 200)

	assert.Equal(t, 600, res.SuccessCount)
	assert.Equal(t, 400, res.FailureCount)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 3, res.Sent)
	require.Len(t, res.FailedRecipients, 400)
	for i, f := range res.FailedRecipients {
		assert.Equal(t, addrs[400+i], f.Email)
	}

	var serialized map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.FailedRecipients[0].Error), &serialized))
	assert.Equal(t, string(types.ErrCodeUpstreamEmailProvider), serialized["code"])

	assert.Equal(t, []time.Duration{time.Second, time.Second}, slept, "delay only between chunks")
	assert.Equal(t, []int{400, 400, 200}, obs.sizes)
	assert.Equal(t, []bool{true, false, true}, obs.oks)
}

func TestDispatch_CountInvariantUnderRandomFailures(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 40; trial++ {
		n := rng.IntN(2000)
		b := rng.IntN(500) + 1
		failOn := map[int]error{}
		for c := 1; c <= (n+b-1)/b; c++ {
			if rng.IntN(3) == 0 {
				failOn[c] = errors.New("boom")
			}
		}
		sender := &recordingSender{failOn: failOn}
		res := New(sender, Config{BatchSize: b}, nil, WithSleepFunc(noSleep)).
			Dispatch(context.Background(), addresses(n), external.MailMessage{})

		assert.Equal(t, (n+b-1)/b, len(sender.calls), "n=%d b=%d", n, b)
		assert.Equal(t, n, res.SuccessCount+res.FailureCount)
		assert.Equal(t, res.FailureCount, len(res.FailedRecipients))
	}
}

func TestDispatch_EmptyList(t *testing.T) {
	sender := &recordingSender{}
	res := New(sender, Config{}, nil).Dispatch(context.Background(), nil, external.MailMessage{})

	assert.Empty(t, sender.calls)
	assert.Zero(t, res.SuccessCount)
	assert.Zero(t, res.FailureCount)
	assert.NotNil(t, res.FailedRecipients)
}

func TestDispatch_DefaultBatchSize(t *testing.T) {
	sender := &recordingSender{}
	New(sender, Config{BatchSize: 0}, nil, WithSleepFunc(noSleep)).
		Dispatch(context.Background(), addresses(401), external.MailMessage{})

	require.Len(t, sender.calls, 2)
	assert.Len(t, sender.calls[0], DefaultBatchSize)
}

func TestDispatch_CancelledRunRecordsRemainderWithoutSending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sender := &recordingSender{onCall: func(call int) {
		if call == 1 {
			cancel()
		}
	}}

	res := New(sender, Config{BatchSize: 10, Delay: time.Second}, nil, WithSleepFunc(noSleep)).
		Dispatch(ctx, addresses(35), external.MailMessage{})

	assert.Len(t, sender.calls, 1)
	assert.Equal(t, 10, res.SuccessCount)
	assert.Equal(t, 25, res.FailureCount)
	assert.Equal(t, 4, res.Chunks)
	assert.Equal(t, 1, res.Sent)
	assert.Contains(t, res.FailedRecipients[0].Error, "context canceled")
}

type slowSender struct{ deadlines []bool }

func (s *slowSender) SendBatch(ctx context.Context, _ []string, _ external.MailMessage) error {
	_, ok := ctx.Deadline()
	s.deadlines = append(s.deadlines, ok)
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatch_ChunkTimeoutFailsOnlyThatChunk(t *testing.T) {
	sender := &slowSender{}
	res := New(sender, Config{BatchSize: 2, ChunkTimeout: 20 * time.Millisecond}, nil, WithSleepFunc(noSleep)).
		Dispatch(context.Background(), addresses(3), external.MailMessage{})

	assert.Equal(t, []bool{true, true}, sender.deadlines)
	assert.Equal(t, 3, res.FailureCount)
	assert.Contains(t, res.FailedRecipients[0].Error, "deadline exceeded")
}

func TestSerializeError(t *testing.T) {
	assert.Equal(t, "plain", SerializeError(errors.New("plain")))

	appErr := types.NewAppError(types.ErrCodeEmailBlocked, "refused", errors.New("403"))
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(SerializeError(fmt.Errorf("wrapped: %w", appErr))), &got))
	assert.Equal(t, "email_blocked", got["code"])
	assert.Equal(t, "refused", got["message"])
	assert.Equal(t, "403", got["cause"])
}
