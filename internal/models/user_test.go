package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserProfile_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  UserProfile
	}{
		{
			name:  "known fields",
			input: `{"id":"u1","name":"Ada","email":"ada@example.com","role":"customer","status":"active"}`,
			want:  UserProfile{ID: "u1", Name: "Ada", Email: "ada@example.com", Role: "customer", Status: "active"},
		},
		{
			name:  "mongo id",
			input: `{"_id":"64f0","email":"ada@example.com"}`,
			want:  UserProfile{ID: "64f0", Email: "ada@example.com"},
		},
		{
			name:  "numeric id",
			input: `{"id":42,"email":"ada@example.com"}`,
			want:  UserProfile{ID: "42", Email: "ada@example.com"},
		},
		{
			name:  "unknown fields kept",
			input: `{"id":"u1","avatar":"a.png","addresses":[1,2]}`,
			want:  UserProfile{ID: "u1", Extra: map[string]any{"avatar": "a.png", "addresses": []any{float64(1), float64(2)}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got UserProfile
			require.NoError(t, json.Unmarshal([]byte(tt.input), &got))
			assert.Equal(t, tt.want, got)
		})
	}

	var p UserProfile
	require.Error(t, json.Unmarshal([]byte(`null`), &p))
	require.Error(t, json.Unmarshal([]byte(`{"email":{"x":1}}`), &p))
}

func TestUserProfile_ExtraSurvivesStorage(t *testing.T) {
	in := `{"id":"u1","email":"ada@example.com","avatar":"a.png"}`

	var p UserProfile
	require.NoError(t, json.Unmarshal([]byte(in), &p))
	out, err := json.Marshal(p)
	require.NoError(t, err)

	var again UserProfile
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, p, again)
	assert.Equal(t, "a.png", again.Extra["avatar"])
}

func TestUserProfile_Clone(t *testing.T) {
	var nilProfile *UserProfile
	assert.Nil(t, nilProfile.Clone())

	p := &UserProfile{ID: "u1", Extra: map[string]any{"k": "v"}}
	c := p.Clone()
	c.Extra["k"] = "changed"
	assert.Equal(t, "v", p.Extra["k"])
}

func TestEnvelope(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"success":false,"message":"nope","data":null}`), &env))
	assert.True(t, env.Failed())
	assert.False(t, env.HasData())

	require.NoError(t, json.Unmarshal([]byte(`{"data":{"a":1}}`), &env))
	assert.True(t, env.HasData())

	assert.True(t, (&TokenPair{AccessToken: "a"}).Valid())
	assert.False(t, (&TokenPair{RefreshToken: "r"}).Valid())
}
