package responder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvmish/moderation-agent/moderation/engine"
)

func fakeOpenAI(t *testing.T, status int, reply string, seen *openai.ChatCompletionRequest) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply}},
			},
		})
	}))
}

func TestGenerateSeriousReply(t *testing.T) {
	assert := assert.New(t)
	var seen openai.ChatCompletionRequest
	srv := fakeOpenAI(t, http.StatusOK, "  Please stop now.  ", &seen)
	defer srv.Close()

	r, err := NewOpenAIResponder("test-key", srv.URL+"/v1", "", nil)
	require.NoError(t, err)
	out, err := r.GenerateReply(context.Background(), engine.ReplySerious, engine.ReplyContext{
		Text:        "you idiot",
		ToxMax:      0.9,
		Seriousness: 0.5,
	})
	assert.NoError(err)
	assert.Equal("Please stop now.", out)
	require.Len(t, seen.Messages, 2)
	assert.Equal(seriousPersona, seen.Messages[0].Content)
	assert.Contains(seen.Messages[1].Content, "toxicity_max=0.90")
}

func TestGenerateCrisisReplyIncludesResources(t *testing.T) {
	var seen openai.ChatCompletionRequest
	srv := fakeOpenAI(t, http.StatusOK, "You are not alone.", &seen)
	defer srv.Close()

	r, err := NewOpenAIResponder("test-key", srv.URL+"/v1", "gpt-test", nil)
	require.NoError(t, err)
	_, err = r.GenerateReply(context.Background(), engine.ReplyCrisis, engine.ReplyContext{Text: "i can't go on"})
	assert.NoError(t, err)
	assert.Equal(t, "gpt-test", seen.Model)
	assert.Contains(t, seen.Messages[1].Content, "1800-599-0019")
}

func TestGenerateReplyError(t *testing.T) {
	srv := fakeOpenAI(t, http.StatusBadRequest, "", nil)
	defer srv.Close()

	r, err := NewOpenAIResponder("test-key", srv.URL+"/v1", "", nil)
	require.NoError(t, err)
	_, err = r.GenerateReply(context.Background(), engine.ReplySerious, engine.ReplyContext{})
	assert.Error(t, err)

	_, err = NewOpenAIResponder("", "", "", nil)
	assert.Error(t, err)
}

func TestLoadResources(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "resources.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"self_harm": [{"name": "Helpline", "url": "tel:123"}]}`), 0o644))

	res, err := LoadResources(path)
	assert.NoError(err)
	assert.Equal([]engine.Resource{{Name: "Helpline", URL: "tel:123"}}, res)

	require.NoError(t, os.WriteFile(path, []byte(`{"other": []}`), 0o644))
	_, err = LoadResources(path)
	assert.Error(err)
}
