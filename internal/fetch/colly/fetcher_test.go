package collyfetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seedspider/seedspider/internal/orchestrator"
)

const listingHTML = `<!DOCTYPE html>
<html><body>
<ul class="items">
  <li><a class="item" href="/items/1">One</a></li>
  <li><a class="item" href="/items/2">Two</a></li>
  <li><a class="other" href="/about">About</a></li>
</ul>
</body></html>`

func pageRequest(t *testing.T, url string) orchestrator.Request {
	t.Helper()
	input, err := json.Marshal(PageInput{URL: url})
	require.NoError(t, err)
	return orchestrator.Request{ActionType: "list", Key: "k", Input: input}
}

func TestHandlerFetchesPageAndEmitsMatchedLinks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(listingHTML))
	}))
	defer srv.Close()

	handler := New(Config{UserAgent: "seedspider-test"}).Handler(LinkRule{
		Selector:   "a.item",
		ActionType: "detail",
	})

	res, err := handler.Execute(context.Background(), pageRequest(t, srv.URL))
	require.NoError(t, err)

	require.Len(t, res.Outputs, 1)
	var page PageDocument
	require.NoError(t, json.Unmarshal(res.Outputs[0], &page))
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, page.Body, `class="items"`)

	require.Len(t, res.Derived, 2)
	for i, want := range []string{"/items/1", "/items/2"} {
		require.Equal(t, "detail", res.Derived[i].ActionType)
		input, ok := res.Derived[i].Input.(PageInput)
		require.True(t, ok)
		require.Equal(t, srv.URL+want, input.URL)
	}
}

func TestHandlerClassifiesServerErrorsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	handler := New(Config{}).Handler()
	_, err := handler.Execute(context.Background(), pageRequest(t, srv.URL))
	require.Error(t, err)
	require.True(t, orchestrator.Retryable(err))
}

func TestHandlerClassifiesClientErrorsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	handler := New(Config{}).Handler()
	_, err := handler.Execute(context.Background(), pageRequest(t, srv.URL))
	require.Error(t, err)
	require.False(t, orchestrator.Retryable(err))
}

func TestHandlerRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	handler := New(Config{}).Handler()
	_, err := handler.Execute(context.Background(), orchestrator.Request{
		ActionType: "list",
		Key:        "k",
		Input:      json.RawMessage(`{"url":""}`),
	})
	require.Error(t, err)
	require.False(t, orchestrator.Retryable(err))
}

func TestHandlerRefusesBlockedHost(t *testing.T) {
	t.Parallel()

	handler := New(Config{BlockedHosts: []string{"blocked.example"}}).Handler()

	_, err := handler.Execute(context.Background(), pageRequest(t, "http://blocked.example/page"))
	require.Error(t, err)
	require.False(t, orchestrator.Retryable(err))
}
