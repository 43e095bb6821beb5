package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/floegence/skillhub/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{subject: subject, data: data})
	return nil
}

func TestRunCompletedEvent(t *testing.T) {
	pub := &recordingPublisher{}
	n := New(pub, Options{})
	n.RunCompleted(context.Background(), model.SyncLog{ID: "run-1", Outcome: "partial_ready", State: model.StatePartialReady, ReadyCount: 3, BlockedCount: 2})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "skillhub.run.completed", pub.msgs[0].subject)
	var ev RunCompletedEvent
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &ev))
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, model.StatePartialReady, ev.State)
	assert.Equal(t, 2, ev.BlockedCount)
}

func TestConflictDetectedCustomPrefix(t *testing.T) {
	pub := &recordingPublisher{}
	n := New(pub, Options{SubjectPrefix: "team.skills."})
	n.ConflictDetected(context.Background(), model.Conflict{ID: "c1", Type: model.NameConflict, SkillIDs: []string{"a", "b"}})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "team.skills.conflict.detected", pub.msgs[0].subject)
	var ev ConflictDetectedEvent
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &ev))
	assert.Equal(t, []string{"a", "b"}, ev.SkillIDs)
}

func TestPublishErrorsAreSwallowed(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("down")}
	n := New(pub, Options{})
	n.RunCompleted(context.Background(), model.SyncLog{ID: "x"})
	assert.Empty(t, pub.msgs)

	var nilNotifier *Notifier
	nilNotifier.ConflictDetected(context.Background(), model.Conflict{})
	assert.NoError(t, nilNotifier.Close())
}
