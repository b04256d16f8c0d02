package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/biz/repo"
)

func fastSendConfig() SendConfig {
	return SendConfig{
		SendTimeout:     50 * time.Millisecond,
		EvaluateTimeout: 50 * time.Millisecond,
		CorrelationTTL:  time.Minute,
	}
}

func TestSend_PrimaryCommitsAuthoritativeMessage(t *testing.T) {
	session := &fakeSession{
		sendFn: func(ctx context.Context, convID, body string) (*repo.RemoteMessage, error) {
			return &repo.RemoteMessage{ID: "true_chat_ABC", From: "me@c.us", To: convID, Body: body, Timestamp: 500}, nil
		},
	}
	store := NewMessageStore(nil, nil, 0)
	p := NewSendPipeline(fastSendConfig(), store, NewCorrelator(time.Minute))

	res, err := p.Send(context.Background(), "acc", session, SendRequest{ConversationID: "chat", Body: "hello", ClientID: "c-1"})
	require.NoError(t, err)

	assert.Equal(t, "c-1", res.ClientID)
	assert.Equal(t, "true_chat_ABC", res.MessageID)
	assert.False(t, res.Fallback)

	stored := store.Messages("acc", "chat")
	require.Len(t, stored, 1)
	assert.True(t, stored[0].FromMe)
	assert.Equal(t, 1, stored[0].Ack, "ack should be raised to at least sent")
	assert.Zero(t, session.evalCount())
}

func TestSend_GeneratesClientID(t *testing.T) {
	session := &fakeSession{
		sendFn: func(ctx context.Context, convID, body string) (*repo.RemoteMessage, error) {
			return &repo.RemoteMessage{ID: "m1", Timestamp: 1, Ack: 2}, nil
		},
	}
	p := NewSendPipeline(fastSendConfig(), NewMessageStore(nil, nil, 0), nil)

	res, err := p.Send(context.Background(), "acc", session, SendRequest{ConversationID: "chat", Body: "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ClientID)
	assert.Equal(t, 2, res.Ack)
}

func TestSend_FallbackDoesNotTouchStore(t *testing.T) {
	session := &fakeSession{
		sendFn: func(ctx context.Context, convID, body string) (*repo.RemoteMessage, error) {
			return nil, errors.New("Evaluation failed")
		},
		evalFn: func(ctx context.Context, script string, args []any) (json.RawMessage, error) {
			assert.Equal(t, sendScript, script)
			assert.Equal(t, []any{"chat", "hello"}, args)
			return json.RawMessage(`true`), nil
		},
	}
	store := NewMessageStore(nil, nil, 0)
	correlator := NewCorrelator(time.Minute)
	p := NewSendPipeline(fastSendConfig(), store, correlator)

	res, err := p.Send(context.Background(), "acc", session, SendRequest{ConversationID: "chat", Body: "hello", ClientID: "c-1"})
	require.NoError(t, err)

	assert.True(t, res.Fallback)
	assert.True(t, strings.HasPrefix(res.MessageID, "fallback-"), res.MessageID)
	assert.False(t, store.Has("acc", "chat"))

	pending, ok := correlator.Claim("acc", "chat")
	require.True(t, ok)
	assert.Equal(t, "c-1", pending.ClientID)
	assert.Equal(t, res.MessageID, pending.SyntheticID)
}

func TestSend_BothFail(t *testing.T) {
	session := &fakeSession{
		sendFn: func(ctx context.Context, convID, body string) (*repo.RemoteMessage, error) {
			return nil, errors.New("Cannot read properties of undefined (reading 'markedUnread')")
		},
		evalFn: func(ctx context.Context, script string, args []any) (json.RawMessage, error) {
			return json.RawMessage(`false`), nil
		},
	}
	store := NewMessageStore(nil, nil, 0)
	correlator := NewCorrelator(time.Minute)
	p := NewSendPipeline(fastSendConfig(), store, correlator)

	_, err := p.Send(context.Background(), "acc", session, SendRequest{ConversationID: "chat", Body: "hello"})

	var sf *domain.SendFailure
	require.ErrorAs(t, err, &sf)
	assert.Error(t, sf.Fallback)
	assert.Equal(t, "Sync error: please refresh the page. (Code: MU)", sf.Cause())
	assert.False(t, store.Has("acc", "chat"))

	_, pending := correlator.Claim("acc", "chat")
	assert.False(t, pending, "a failed send leaves nothing to confirm")
}

func TestSend_FallbackTracksBeforeEvaluate(t *testing.T) {
	correlator := NewCorrelator(time.Minute)
	var claimed Pending
	session := &fakeSession{
		sendFn: func(ctx context.Context, convID, body string) (*repo.RemoteMessage, error) {
			return nil, errors.New("Evaluation failed")
		},
		evalFn: func(ctx context.Context, script string, args []any) (json.RawMessage, error) {
			// the platform echo arrives while the script is still running
			var ok bool
			claimed, ok = correlator.Claim("acc", "chat")
			assert.True(t, ok)
			return json.RawMessage(`true`), nil
		},
	}
	p := NewSendPipeline(fastSendConfig(), NewMessageStore(nil, nil, 0), correlator)

	res, err := p.Send(context.Background(), "acc", session, SendRequest{ConversationID: "chat", Body: "hello", ClientID: "c-1"})
	require.NoError(t, err)

	assert.Equal(t, "c-1", claimed.ClientID)
	assert.Equal(t, res.MessageID, claimed.SyntheticID)
	_, ok := correlator.Claim("acc", "chat")
	assert.False(t, ok)
}

func TestSend_PrimaryTimeout(t *testing.T) {
	hang := hangUntilCleanup(t)
	session := &fakeSession{
		sendFn: func(ctx context.Context, convID, body string) (*repo.RemoteMessage, error) {
			<-hang
			return &repo.RemoteMessage{ID: "late"}, nil
		},
	}
	store := NewMessageStore(nil, nil, 0)
	p := NewSendPipeline(fastSendConfig(), store, nil)

	_, err := p.Send(context.Background(), "acc", session, SendRequest{ConversationID: "chat", Body: "hello"})

	var sf *domain.SendFailure
	require.ErrorAs(t, err, &sf)
	var timeout *domain.FetchTimeout
	assert.ErrorAs(t, sf.Primary, &timeout)
	assert.False(t, store.Has("acc", "chat"))
}

func TestCorrelator_FIFOAndExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCorrelator(time.Minute)
	c.now = func() time.Time { return now }

	c.Track("acc", "chat", "c-1", "fallback-1")
	now = now.Add(30 * time.Second)
	c.Track("acc", "chat", "c-2", "fallback-2")

	first, ok := c.Claim("acc", "chat")
	require.True(t, ok)
	assert.Equal(t, "c-1", first.ClientID)

	// c-2 expires at 1090
	now = now.Add(61 * time.Second)
	_, ok = c.Claim("acc", "chat")
	assert.False(t, ok)
}

func TestCorrelator_Release(t *testing.T) {
	c := NewCorrelator(time.Minute)
	c.Track("acc", "chat", "c-1", "fallback-1")
	c.Track("acc", "chat", "c-2", "fallback-2")

	c.Release("acc", "chat", "fallback-1")

	next, ok := c.Claim("acc", "chat")
	require.True(t, ok)
	assert.Equal(t, "c-2", next.ClientID)
	_, ok = c.Claim("acc", "chat")
	assert.False(t, ok)
}

func TestCorrelator_Forget(t *testing.T) {
	c := NewCorrelator(time.Minute)
	c.Track("acc", "chat", "c-1", "fallback-1")
	c.Track("other", "chat", "c-2", "fallback-2")

	c.Forget("acc")

	_, ok := c.Claim("acc", "chat")
	assert.False(t, ok)
	_, ok = c.Claim("other", "chat")
	assert.True(t, ok)
}
