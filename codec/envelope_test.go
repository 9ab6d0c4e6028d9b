package codec

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalEnvelope(t *testing.T) {
	for _, tc := range []struct {
		env      Envelope
		expected string
	}{
		{Envelope{ID: "a", Method: "ping"}, `{"id":"a","method":"ping","params":[]}`},
		{Envelope{ID: "a", Method: "connect", Params: []string{"pk", "s"}}, `{"id":"a","method":"connect","params":["pk","s"]}`},
		{Envelope{ID: "a", Result: "pong"}, `{"id":"a","result":"pong"}`},
		{Envelope{ID: "a"}, `{"id":"a","result":""}`},
		{Envelope{ID: "a", Error: "denied"}, `{"id":"a","error":"denied"}`},
		{Envelope{ID: "a", Result: "auth_url", Error: "https://x"}, `{"id":"a","result":"auth_url","error":"https://x"}`},
	} {
		b, err := MarshalEnvelope(tc.env)
		require.NoError(t, err)
		assert.JSONEq(t, tc.expected, string(b))
	}

	_, err := MarshalEnvelope(Envelope{Method: "ping"})
	assert.Error(t, err)
}

func TestUnmarshalEnvelopeIsLenient(t *testing.T) {
	env, err := UnmarshalEnvelope([]byte(`{"id":7,"method":"sign_event","params":[{"kind":1},"x",3],"extra":true}`))
	require.NoError(t, err)
	assert.Equal(t, "7", env.ID)
	assert.Equal(t, []string{`{"kind":1}`, "x", "3"}, env.Params)
	assert.True(t, env.IsRequest())

	env, err = UnmarshalEnvelope([]byte(`{"id":"b","result":{"relays":[]},"error":null}`))
	require.NoError(t, err)
	assert.True(t, env.IsResponse())
	assert.Equal(t, `{"relays":[]}`, env.Result)
	assert.Empty(t, env.Error)

	env, err = UnmarshalEnvelope([]byte(`{"id":"c","result":"auth_url","error":"https://auth"}`))
	require.NoError(t, err)
	assert.True(t, env.IsAuthChallenge())

	for _, bad := range []string{`nope`, `[1,2]`, `{"method":"ping"}`, `{"id":"x","method":"ping","params":"p"}`, `{"id":null}`} {
		_, err := UnmarshalEnvelope([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func FuzzUnmarshalEnvelope(f *testing.F) {
	f.Add([]byte(`{"id":"a","method":"ping","params":[]}`))
	f.Add([]byte(`{"id":"a","result":"auth_url","error":"https://x"}`))
	f.Fuzz(func(t *testing.T, b []byte) {
		if !utf8.Valid(b) {
			return
		}
		env, err := UnmarshalEnvelope(b)
		if err != nil {
			return
		}
		out, err := MarshalEnvelope(env)
		if env.ID == "" {
			return
		}
		if err != nil {
			t.Fatalf("parsed envelope failed to marshal: %v", err)
		}
		again, err := UnmarshalEnvelope(out)
		if err != nil {
			t.Fatalf("canonical form did not parse: %v", err)
		}
		if again.ID != env.ID || again.Method != env.Method || again.Result != env.Result || again.Error != env.Error {
			t.Fatalf("canonical form changed meaning: %+v != %+v", again, env)
		}
	})
}
