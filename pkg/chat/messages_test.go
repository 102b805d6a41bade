package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatCore/pkg/api"
)

func at(minute int) time.Time {
	return time.Date(2024, 3, 1, 9, minute, 0, 0, time.UTC)
}

func message(id api.ID, from api.ID, content string, minute int) api.Message {
	return api.Message{
		Id:             id,
		ConversationId: "c1",
		FromUser:       api.User{Id: from},
		Content:        content,
		MediaType:      api.MediaNone,
		CreatedAt:      at(minute),
	}
}

func threadIds(messages []api.Message) []api.ID {
	out := make([]api.ID, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Id)
	}
	return out
}

func mountedStore(messages ...api.Message) *MessageStore {
	store := NewMessageStore()
	store.Mount("c1")
	store.Load(messages)
	return store
}

func TestLoadSortsByCreatedAt(t *testing.T) {
	inputs := [][]api.Message{
		{message("m3", me, "c", 3), message("m1", me, "a", 1), message("m2", "u2", "b", 2)},
		{message("m2", "u2", "b", 2), message("m3", me, "c", 3), message("m1", me, "a", 1)},
		{message("m1", me, "a", 1), message("m2", "u2", "b", 2), message("m3", me, "c", 3)},
	}
	for _, input := range inputs {
		store := mountedStore(input...)
		assert.Equal(t, []api.ID{"m1", "m2", "m3"}, threadIds(store.Messages()))
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	thread := []api.Message{message("m2", "u2", "b", 2), message("m1", me, "a", 1)}
	once := mountedStore(thread...)

	twice := mountedStore(thread...)
	twice.Load(thread)

	assert.Equal(t, once.View(me, "u2", nil), twice.View(me, "u2", nil))
}

func TestLoadDoesNotAliasInput(t *testing.T) {
	thread := []api.Message{message("m1", me, "a", 1)}
	store := mountedStore(thread...)
	thread[0].Content = "changed"

	got, _ := store.Get("m1")
	assert.Equal(t, "a", got.Content)
}

func TestApplyEdit(t *testing.T) {
	store := mountedStore(message("m1", me, "hi", 1), message("m2", me, "yo", 2))

	require.NoError(t, store.ApplyEdit("m1", "hello", at(5)))
	require.NoError(t, store.ApplyEdit("m1", "hello again", at(6)))
	edited, _ := store.Get("m1")
	assert.Equal(t, "hello again", edited.Content)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, at(6), *edited.EditedAt)
	assert.Equal(t, []api.ID{"m1", "m2"}, threadIds(store.Messages()))

	// editedAt never precedes createdAt.
	require.NoError(t, store.ApplyEdit("m2", "x", at(0)))
	m2, _ := store.Get("m2")
	assert.Equal(t, at(2), *m2.EditedAt)

	assert.ErrorIs(t, store.ApplyEdit("missing", "x", at(7)), ErrMessageNotFound)
}

func TestDeleteTombstonesInPlace(t *testing.T) {
	photo := message("m1", me, "", 1)
	photo.MediaType = api.MediaImage
	photo.MediaUrl = "https://cdn/x.jpg"
	store := mountedStore(photo, message("m2", me, "keep", 2))

	require.NoError(t, store.ApplyDelete("m1"))
	deleted, _ := store.Get("m1")
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, DeletedPlaceholder, deleted.Content)
	assert.Equal(t, api.MediaNone, deleted.MediaType)
	assert.Empty(t, deleted.MediaUrl)
	assert.Equal(t, []api.ID{"m1", "m2"}, threadIds(store.Messages()))

	views := store.View(me, "u2", nil)
	assert.False(t, views[0].CanEdit)
	assert.False(t, views[0].CanDelete)
	assert.True(t, views[1].CanEdit)
	assert.True(t, views[1].CanDelete)

	assert.ErrorIs(t, store.ApplyDelete("m1"), ErrMessageDeleted)
	assert.ErrorIs(t, store.ApplyEdit("m1", "back", at(3)), ErrMessageDeleted)
}

func TestLoadTombstonesServerDeletes(t *testing.T) {
	deleted := message("m1", me, "secret", 1)
	deleted.IsDeleted = true
	store := mountedStore(deleted)

	got, _ := store.Get("m1")
	assert.Equal(t, DeletedPlaceholder, got.Content)
}

func TestIsOwnMessageToleratesIdShapes(t *testing.T) {
	m := message("m1", "42", "a", 1)
	assert.True(t, IsOwnMessage(m, "42"))
	assert.True(t, IsOwnMessage(m, 42))
	assert.True(t, IsOwnMessage(m, api.User{Id: "42"}))
	assert.True(t, IsOwnMessage(m, map[string]interface{}{"_id": "42"}))
	assert.False(t, IsOwnMessage(m, "43"))
	assert.False(t, IsOwnMessage(message("m2", "", "a", 1), ""))
}

func TestReadReceiptsOnlyOnOwnMessages(t *testing.T) {
	mine := message("m1", me, "a", 1)
	mine.ReadBy = []api.ID{"u2"}
	theirs := message("m2", "u2", "b", 2)
	theirs.ReadBy = []api.ID{"u2", me}
	unread := message("m3", me, "c", 3)

	store := mountedStore(mine, theirs, unread)
	views := store.View(me, "u2", nil)
	require.Len(t, views, 3)

	assert.True(t, views[0].Own)
	assert.True(t, views[0].ReadByOther)
	assert.False(t, views[1].Own)
	assert.False(t, views[1].ReadByOther)
	assert.False(t, views[2].ReadByOther)

	for _, view := range views {
		if view.ReadByOther {
			assert.True(t, view.Own)
		}
	}
}

func TestRenderableContent(t *testing.T) {
	withMedia := func(content string, media api.MediaType) api.Message {
		m := message("m", me, content, 1)
		m.MediaType = media
		return m
	}
	tests := []struct {
		name     string
		message  api.Message
		wantText string
		wantShow bool
	}{
		{"plain text", withMedia("hi", api.MediaNone), "hi", true},
		{"empty text", withMedia("", api.MediaNone), "", false},
		{"image default caption", withMedia(ImageCaption, api.MediaImage), "", false},
		{"video default caption", withMedia(VideoCaption, api.MediaVideo), "", false},
		{"image empty", withMedia("  ", api.MediaImage), "", false},
		{"image with text", withMedia("view", api.MediaImage), "view", true},
		{"caption on plain text", withMedia(ImageCaption, api.MediaNone), ImageCaption, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, show := RenderableContent(tt.message)
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantShow, show)
		})
	}
}

func TestReplaceDropsDuplicate(t *testing.T) {
	placeholder := message("local-1", me, "hi", 5)
	placeholder.ClientId = "local-1"
	server := message("m9", me, "hi", 4)
	server.ClientId = "local-1"

	store := mountedStore(message("m1", "u2", "a", 1), placeholder, server)
	require.True(t, store.Replace("local-1", server))
	assert.Equal(t, []api.ID{"m1", "m9"}, threadIds(store.Messages()))
}

func TestMountedIsScopedToConversation(t *testing.T) {
	store := NewMessageStore()
	assert.False(t, store.Mounted(""))
	store.Mount("c1")
	assert.True(t, store.Mounted("c1"))
	assert.False(t, store.Mounted("c2"))
	store.Unmount()
	assert.False(t, store.Mounted("c1"))
	assert.Zero(t, store.Len())
}
