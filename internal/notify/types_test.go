package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiverIDAcceptsNumbersAndStrings(t *testing.T) {
	t.Parallel()

	var env Immediate
	require.NoError(t, json.Unmarshal([]byte(`{"type":"x","message":"m","receivers":[1,"2"," 3 ",4.0]}`), &env))
	assert.Equal(t, []ReceiverID{"1", "2", "3", "4"}, env.Receivers)
}

func TestReceiversAbsentVersusEmpty(t *testing.T) {
	t.Parallel()

	var absent, empty Immediate
	require.NoError(t, json.Unmarshal([]byte(`{"type":"x"}`), &absent))
	require.NoError(t, json.Unmarshal([]byte(`{"type":"x","receivers":[]}`), &empty))
	assert.Nil(t, absent.Receivers)
	assert.NotNil(t, empty.Receivers)
	assert.Empty(t, empty.Receivers)
}

func TestReceiverIDRejectsObjects(t *testing.T) {
	t.Parallel()

	var r ReceiverID
	assert.Error(t, json.Unmarshal([]byte(`{"id":1}`), &r))
}

func TestUniqueReceivers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   []ReceiverID
		want []ReceiverID
	}{
		{"nil", nil, nil},
		{"empty", []ReceiverID{}, []ReceiverID{}},
		{"dupes", []ReceiverID{"1", "2", "3", "1"}, []ReceiverID{"1", "2", "3"}},
		{"order", []ReceiverID{"b", "a", "b"}, []ReceiverID{"b", "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, UniqueReceivers(tc.in))
		})
	}
}

func TestParseReceiverID(t *testing.T) {
	t.Parallel()

	id, ok := ParseReceiverID(float64(42))
	assert.True(t, ok)
	assert.Equal(t, ReceiverID("42"), id)

	id, ok = ParseReceiverID("abc")
	assert.True(t, ok)
	assert.Equal(t, ReceiverID("abc"), id)

	_, ok = ParseReceiverID(nil)
	assert.False(t, ok)
	_, ok = ParseReceiverID("  ")
	assert.False(t, ok)
}

func TestWireMessageShape(t *testing.T) {
	t.Parallel()

	env := Immediate{Type: "order.created", Item: json.RawMessage(`{"id":7}`), Message: "hi"}
	b, err := json.Marshal(env.Wire())
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"order.created","data":{"id":7},"message":"hi"}`, string(b))

	b, err = json.Marshal(Immediate{Type: "ping"}.Wire())
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"ping","data":null,"message":""}`, string(b))
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("schedule: %w", ErrInvalidDelay)
	assert.ErrorIs(t, wrapped, ErrValidation)
	assert.ErrorIs(t, wrapped, ErrInvalidDelay)
	assert.NotErrorIs(t, wrapped, ErrEmptyBatch)

	var nie error = &NotInitializedError{Channel: ChannelBot}
	assert.ErrorIs(t, nie, ErrNotInitialized)
	assert.Equal(t, "bot: channel not initialized", nie.Error())

	ae := &AuthError{Reason: ReasonTokenInvalid, Err: errors.New("expired")}
	assert.ErrorIs(t, ae, ErrAuth)
	assert.Equal(t, "Token not verified", ae.CloseText())
	assert.Equal(t, "Token not found", (&AuthError{Reason: ReasonTokenMissing}).CloseText())
	assert.Equal(t, "URL not found", (&AuthError{Reason: ReasonNoHandshake}).CloseText())
}

func TestReportErrJoinsFailures(t *testing.T) {
	t.Parallel()

	var r Report
	assert.NoError(t, r.Err())

	r.Fanout.Failures = []Failure{NewFailure(ChannelRegistry, "c1", errors.New("buffer full"))}
	r.Bot = &BotReport{Failures: []Failure{NewFailure(ChannelBot, "42", errors.New("blocked"))}}
	err := r.Err()
	require.Error(t, err)
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, err.Error(), "buffer full")
	assert.Contains(t, err.Error(), "blocked")
}
