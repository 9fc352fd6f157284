package analysis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/models"
)

func photoURLs() map[models.Pose]string {
	out := map[models.Pose]string{}
	for _, p := range models.Poses {
		out[p] = "https://objects.test/" + string(p)
	}
	return out
}

func openAIServer(t *testing.T, status int, content string, check func(map[string]interface{})) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &body))
		if check != nil {
			check(body)
		}

		w.WriteHeader(status)
		if status >= 400 {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": map[string]string{"message": "upstream says no"}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{"message": map[string]string{"content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newAnalyzer(url string) *OpenAIAnalyzer {
	return NewOpenAIAnalyzer(config.OpenAIConfig{APIKey: "sk-test", BaseURL: url + "/", Model: "gpt-test"})
}

func TestOpenAIAnalyzerParsesEstimate(t *testing.T) {
	srv := openAIServer(t, http.StatusOK, "```json\n{\"bf_percent\": 18.4, \"lean_mass_kg\": 61.2, \"notes\": \"good light\"}\n```", func(body map[string]interface{}) {
		assert.Equal(t, "gpt-test", body["model"])
		msgs := body["messages"].([]interface{})
		parts := msgs[0].(map[string]interface{})["content"].([]interface{})
		images := 0
		for _, p := range parts {
			if p.(map[string]interface{})["type"] == "image_url" {
				images++
			}
		}
		assert.Equal(t, 4, images)
	})

	res, err := newAnalyzer(srv.URL).Analyze(context.Background(), photoURLs())
	require.NoError(t, err)
	assert.Equal(t, 18.4, *res.BFPercent)
	assert.Equal(t, 61.2, *res.LeanMassKg)
	assert.Equal(t, "good light", res.Notes)
	assert.Equal(t, "openai:gpt-test", res.Provider)
}

func TestOpenAIAnalyzerRateLimitIsTransient(t *testing.T) {
	srv := openAIServer(t, http.StatusTooManyRequests, "", nil)
	_, err := newAnalyzer(srv.URL).Analyze(context.Background(), photoURLs())
	assert.ErrorIs(t, err, ErrTransient)
}

func TestOpenAIAnalyzerClientErrorIsPermanent(t *testing.T) {
	srv := openAIServer(t, http.StatusBadRequest, "", nil)
	_, err := newAnalyzer(srv.URL).Analyze(context.Background(), photoURLs())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), "upstream says no")
}

func TestOpenAIAnalyzerRequiresAllPoses(t *testing.T) {
	urls := photoURLs()
	delete(urls, models.PoseLeft)
	_, err := newAnalyzer("http://unused").Analyze(context.Background(), urls)
	assert.ErrorContains(t, err, "left")
}

func TestParseEstimate(t *testing.T) {
	_, err := parseEstimate(`{"bf_percent": null, "notes": "blurry"}`, "p")
	assert.ErrorContains(t, err, "blurry")

	_, err = parseEstimate(`{"bf_percent": 95}`, "p")
	assert.ErrorContains(t, err, "out of range")

	_, err = parseEstimate(`not json`, "p")
	assert.Error(t, err)

	res, err := parseEstimate(`{"bf_percent": 12}`, "p")
	require.NoError(t, err)
	assert.Nil(t, res.LeanMassKg)
}
