package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDUnmarshalShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ID
	}{
		{"string", `"abc"`, "abc"},
		{"padded string", `" abc "`, "abc"},
		{"number", `42`, "42"},
		{"large number", `12345678901234567890`, "12345678901234567890"},
		{"populated object", `{"_id":"u1","displayName":"An"}`, "u1"},
		{"id key", `{"id":7}`, "7"},
		{"oid", `{"$oid":"65f0"}`, "65f0"},
		{"nested", `{"_id":{"$oid":"65f1"}}`, "65f1"},
		{"null", `null`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id ID
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &id))
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestIDUnmarshalInsideMessage(t *testing.T) {
	var message Message
	raw := `{"_id":"m1","fromUser":{"_id":{"$oid":"u2"}},"readBy":["u1",{"_id":"u3"}],"mediaType":"IMAGE"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &message))

	assert.Equal(t, ID("u2"), message.FromUser.Id)
	assert.Equal(t, []ID{"u1", "u3"}, message.ReadBy)
	assert.Equal(t, MediaImage, message.MediaType)
}

func TestUserAcceptsBareReference(t *testing.T) {
	var conversation Conversation
	raw := `{"_id":"c2","participants":["u1",42,{"_id":"u3","displayName":"Lan"},null]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &conversation))

	require.Len(t, conversation.Participants, 4)
	assert.Equal(t, User{Id: "u1"}, conversation.Participants[0])
	assert.Equal(t, ID("42"), conversation.Participants[1].Id)
	assert.Equal(t, User{Id: "u3", DisplayName: "Lan"}, conversation.Participants[2])
	assert.True(t, conversation.Participants[3].Id.IsZero())
}

func TestUnknownMediaTypeIsNone(t *testing.T) {
	var message Message
	require.NoError(t, json.Unmarshal([]byte(`{"_id":"m1","mediaType":"audio"}`), &message))
	assert.Equal(t, MediaNone, message.MediaType)
	assert.False(t, message.MediaType.IsMedia())
}

func TestToIdString(t *testing.T) {
	name := "u9"
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, ""},
		{"id", ID("u1"), "u1"},
		{"string", "u1", "u1"},
		{"string pointer", &name, "u9"},
		{"nil string pointer", (*string)(nil), ""},
		{"int", 5, "5"},
		{"int64", int64(6), "6"},
		{"float", float64(7), "7"},
		{"json number", json.Number("8"), "8"},
		{"user", User{Id: "u2"}, "u2"},
		{"user pointer", &User{Id: "u3"}, "u3"},
		{"map", map[string]interface{}{"_id": "u4"}, "u4"},
		{"map without id", map[string]interface{}{"name": "x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToIdString(tt.in))
		})
	}
}

func TestSameId(t *testing.T) {
	assert.True(t, SameId("u1", User{Id: "u1"}))
	assert.True(t, SameId(ID("1"), 1))
	assert.False(t, SameId("", ""))
	assert.False(t, SameId(nil, nil))
	assert.False(t, SameId("u1", "u2"))
}
